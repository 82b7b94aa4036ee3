package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/im-server/internal/repository"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrPersist 主存储写入失败，本次发送失败，后续步骤均未执行
	ErrPersist = errors.New("persist message failed")
	// ErrDataIntegrity 同一 chat_id 归属冲突，不能自动修复
	ErrDataIntegrity = errors.New("data integrity violation")
)

var validate = validator.New()

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// validateStruct 把 validator 的错误归入 ErrInvalidArgument
func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// translate 仓储层的未找到映射为服务层错误
func translate(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
