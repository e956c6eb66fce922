package repository

import (
	"context"
	"errors"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/observability"

	"gorm.io/gorm"
)

var ErrRoleNotFound = errors.New("role not found")

type RoleRepository interface {
	FindByName(name string) (*domain.Role, error)
	Ensure(name string) (*domain.Role, error)
	List() ([]domain.Role, error)
}

type GormRoleRepository struct{ db *gorm.DB }

func NewRoleRepository(db *gorm.DB) RoleRepository { return &GormRoleRepository{db: db} }

func (r *GormRoleRepository) FindByName(name string) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Where("name = ?", name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "success")
	return &role, nil
}

// Ensure returns the named role, creating it on first use. Registration
// depends on it for the default "User" role.
func (r *GormRoleRepository) Ensure(name string) (*domain.Role, error) {
	role := domain.Role{Name: name}
	err := r.db.Where(domain.Role{Name: name}).FirstOrCreate(&role).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "ensure", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "ensure", "success")
	return &role, nil
}

func (r *GormRoleRepository) List() ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.Order("id").Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "list", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "list", "success")
	return roles, nil
}
