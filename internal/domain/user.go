package domain

import "time"

type User struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	DisplayName   string         `gorm:"size:128;not null" json:"display_name"`
	UserName      string         `gorm:"size:128;uniqueIndex;not null" json:"user_name"`
	Email         string         `gorm:"size:256;uniqueIndex;not null" json:"email"`
	PhoneNumber   string         `gorm:"size:32" json:"phone_number,omitempty"`
	PasswordHash  string         `gorm:"size:128;not null" json:"-"`
	SecurityStamp string         `gorm:"size:64;not null" json:"-"`
	Roles         []Role         `gorm:"many2many:user_roles" json:"roles,omitempty"`
	RefreshTokens []RefreshToken `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

type Role struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:64;uniqueIndex;not null" json:"name"`
}

const (
	RoleUser  = "User"
	RoleAdmin = "Admin"
)
