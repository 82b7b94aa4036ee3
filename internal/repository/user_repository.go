package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/im-server/internal/model"
)

// UserRepository 身份解析：外部引用（open_id 或用户名）-> 用户
type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id uint64) (*model.User, error)
	// Resolve 先按 open_id 查，再按用户名查
	Resolve(ctx context.Context, ref string) (*model.User, error)
	// ResolveMany 批量解析，返回 ref -> user；无法解析的 ref 不出现在结果中
	ResolveMany(ctx context.Context, refs []string) (map[string]*model.User, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository { return &userRepository{db: db} }

func (r *userRepository) Create(ctx context.Context, u *model.User) error {
	// 幂等：同 open_id 重复创建不报错
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error
}

func (r *userRepository) GetByID(ctx context.Context, id uint64) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepository) Resolve(ctx context.Context, ref string) (*model.User, error) {
	u, err := firstOrNil[model.User](r.db.WithContext(ctx).Where("open_id = ?", ref))
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	u, err = firstOrNil[model.User](r.db.WithContext(ctx).Where("name = ?", ref).Order("id"))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

func (r *userRepository) ResolveMany(ctx context.Context, refs []string) (map[string]*model.User, error) {
	out := make(map[string]*model.User, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	var users []*model.User
	if err := r.db.WithContext(ctx).
		Where("open_id IN ? OR name IN ?", refs, refs).
		Order("id").
		Find(&users).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]*model.User, len(users))
	for _, u := range users {
		out[u.OpenID] = u
		if _, ok := byName[u.Name]; !ok && u.Name != "" {
			byName[u.Name] = u
		}
	}
	for _, ref := range refs {
		if _, ok := out[ref]; ok {
			continue
		}
		if u, ok := byName[ref]; ok {
			out[ref] = u
		}
	}
	for ref := range out {
		if !contains(refs, ref) {
			delete(out, ref)
		}
	}
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
