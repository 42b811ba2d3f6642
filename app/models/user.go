package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the billing service's read-only view of the users table owned by
// the authentication provider. Only the columns needed to address customers
// are mapped.
type User struct {
	ID        string         `gorm:"primaryKey;type:varchar(191)" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name"`
	Email     string         `gorm:"type:varchar(200);index" json:"email"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// FindUserByID loads a non-deleted user by its external identifier.
func FindUserByID(db *gorm.DB, id string) (*User, error) {
	var u User
	if err := db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
