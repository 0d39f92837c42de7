package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/repository"
)

// Users is an in-process repository.UserRepo.
type Users struct {
	mu     sync.Mutex
	byID   map[uint64]model.User
	nextID uint64
}

func NewUsers() *Users { return &Users{byID: map[uint64]model.User{}} }

func (u *Users) Create(ctx context.Context, email, passwordHash, role string) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.byID {
		if existing.Email == email {
			return 0, repository.ErrEmailExists
		}
	}
	u.nextID++
	now := time.Now().UTC()
	u.byID[u.nextID] = model.User{
		ID: u.nextID, Email: email, PasswordHash: passwordHash, Role: role,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	return u.nextID, nil
}

func (u *Users) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.byID {
		if existing.Email == email {
			return existing, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (u *Users) GetByID(ctx context.Context, id uint64) (model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return usr, nil
}

func (u *Users) UpdatePasswordHash(ctx context.Context, id uint64, passwordHash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	usr.PasswordHash = passwordHash
	usr.UpdatedAt = time.Now().UTC()
	u.byID[id] = usr
	return nil
}
