package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrInvalidSort    = errors.New("unsupported sort field")
)

// userSortColumns maps client-facing sort names to the columns they may
// order by. ORDER BY cannot be parameterized, so sort input is constrained
// to this map before it reaches SQL.
var userSortColumns = map[string]string{
	"id":           "users.id",
	"email":        "users.email",
	"display_name": "users.display_name",
	"user_name":    "users.user_name",
	"created_at":   "users.created_at",
}

func userOrderClause(sortBy, sortOrder string) (string, error) {
	col, ok := userSortColumns[strings.ToLower(strings.TrimSpace(sortBy))]
	if !ok {
		return "", ErrInvalidSort
	}
	dir := "ASC"
	switch strings.ToUpper(strings.TrimSpace(sortOrder)) {
	case "", "ASC":
	case "DESC":
		dir = "DESC"
	default:
		return "", ErrInvalidSort
	}
	return col + " " + dir, nil
}

type UserListQuery struct {
	PageRequest
	SortBy    string
	SortOrder string
	Email     string
	Role      string
}

type UserRepository interface {
	FindByID(id uint) (*domain.User, error)
	FindByEmail(email string) (*domain.User, error)
	Create(user *domain.User) error
	Update(user *domain.User) error
	DeleteByID(id uint) (bool, error)
	List() ([]domain.User, error)
	ListPaged(query UserListQuery) (PageResult[domain.User], error)
	UpdateSecurityStamp(userID uint, stamp string) error
	AddRole(userID, roleID uint) error
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

// NormalizeEmail folds an address for the case-insensitive uniqueness check.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *GormUserRepository) FindByID(id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.Preload("Roles").First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "success")
	return &u, nil
}

func (r *GormUserRepository) FindByEmail(email string) (*domain.User, error) {
	var u domain.User
	err := r.db.Preload("Roles").Where("email = ?", NormalizeEmail(email)).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "success")
	return &u, nil
}

func (r *GormUserRepository) Create(user *domain.User) error {
	user.Email = NormalizeEmail(user.Email)
	err := r.db.Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(context.Background(), "user", "create", "duplicate")
			return ErrDuplicateEmail
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "create", "success")
	return nil
}

func (r *GormUserRepository) Update(user *domain.User) error {
	err := r.db.Save(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update", "success")
	return nil
}

func (r *GormUserRepository) DeleteByID(id uint) (bool, error) {
	res := r.db.Delete(&domain.User{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "delete_by_id", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "delete_by_id", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormUserRepository) List() ([]domain.User, error) {
	var users []domain.User
	err := r.db.Preload("Roles").Order("id").Find(&users).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "list", "error")
		return users, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "list", "success")
	return users, err
}

func (r *GormUserRepository) ListPaged(query UserListQuery) (PageResult[domain.User], error) {
	req := normalizePageRequest(query.PageRequest)
	result := PageResult[domain.User]{
		Page:     req.Page,
		PageSize: req.PageSize,
	}

	orderClause := ""
	if query.SortBy != "" {
		clause, err := userOrderClause(query.SortBy, query.SortOrder)
		if err != nil {
			return PageResult[domain.User]{}, err
		}
		orderClause = clause
	}

	base := r.db.Model(&domain.User{})
	if query.Email != "" {
		base = base.Where("users.email LIKE ?", NormalizeEmail(query.Email)+"%")
	}
	if query.Role != "" {
		base = base.Joins("JOIN user_roles ur ON ur.user_id = users.id").
			Joins("JOIN roles r ON r.id = ur.role_id").
			Where("r.name = ?", query.Role)
	}

	countQuery := base.Session(&gorm.Session{})
	if query.Role != "" {
		countQuery = countQuery.Distinct("users.id")
	}
	if err := countQuery.Count(&result.Total).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "error")
		return PageResult[domain.User]{}, err
	}

	listQuery := base.Preload("Roles")
	if query.Role != "" {
		listQuery = listQuery.Distinct("users.*")
	}
	if orderClause != "" {
		listQuery = listQuery.Order(orderClause)
	}
	listQuery = listQuery.Order("users.id")

	offset := (req.Page - 1) * req.PageSize
	if err := listQuery.Offset(offset).Limit(req.PageSize).Find(&result.Items).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "error")
		return PageResult[domain.User]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "success")
	return result, nil
}

func (r *GormUserRepository) UpdateSecurityStamp(userID uint, stamp string) error {
	res := r.db.Model(&domain.User{}).Where("id = ?", userID).Update("security_stamp", stamp)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update_security_stamp", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "user", "update_security_stamp", "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update_security_stamp", "success")
	return nil
}

func (r *GormUserRepository) AddRole(userID, roleID uint) error {
	var user domain.User
	if err := r.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "not_found")
			return ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "error")
		return err
	}
	if err := r.db.Model(&user).Association("Roles").Append(&domain.Role{ID: roleID}); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "success")
	return nil
}
