package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/im-server/internal/model"
)

// GroupRepository 群成员只读视图（成员维护在外部服务）
type GroupRepository interface {
	Exists(ctx context.Context, groupID string) (bool, error)
	AddMember(ctx context.Context, groupID, memberID string) error
	// ListMembers 原样返回成员引用，可能含重复与别名
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	CountMembers(ctx context.Context, groupID string) (int64, error)
	// ListGroupsOf 返回任一引用所在的群
	ListGroupsOf(ctx context.Context, memberRefs ...string) ([]string, error)
}

type groupRepository struct{ db *gorm.DB }

func NewGroupRepository(db *gorm.DB) GroupRepository { return &groupRepository{db: db} }

func (r *groupRepository) Exists(ctx context.Context, groupID string) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.Group{}).
		Where("group_id = ?", groupID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *groupRepository) AddMember(ctx context.Context, groupID, memberID string) error {
	m := &model.GroupMember{GroupID: groupID, MemberID: memberID}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *groupRepository) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	var res []string
	err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Where("group_id = ?", groupID).
		Order("id").
		Pluck("member_id", &res).Error
	return res, err
}

func (r *groupRepository) CountMembers(ctx context.Context, groupID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Where("group_id = ?", groupID).
		Distinct("member_id").
		Count(&cnt).Error
	return cnt, err
}

func (r *groupRepository) ListGroupsOf(ctx context.Context, memberRefs ...string) ([]string, error) {
	var res []string
	if len(memberRefs) == 0 {
		return res, nil
	}
	err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Joins("JOIN chat_groups ON chat_groups.group_id = group_members.group_id AND chat_groups.deleted_at IS NULL").
		Where("group_members.member_id IN ?", memberRefs).
		Distinct().
		Order("group_members.group_id").
		Pluck("group_members.group_id", &res).Error
	return res, err
}
