package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/store"
)

// usernames are lower case, compared after folding.
var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

func normalizeUsername(name string) (string, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	if !usernamePattern.MatchString(name) {
		return "", invalidArgument("username: must be 3 to 32 of a-z, 0-9 or _")
	}
	return name, nil
}

// Sessions resolves tokens to users, creating the user record on first sight.
type Sessions struct {
	auth  auth.Client
	users store.UserStore
	now   func() time.Time
}

func NewSessions(authClient auth.Client, users store.UserStore) *Sessions {
	return &Sessions{auth: authClient, users: users, now: time.Now}
}

func (s *Sessions) Resolve(ctx context.Context, token string) (*store.User, error) {
	id, err := s.auth.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	name := id.DisplayName
	if name == "" {
		name = id.UserID
	}
	u, err := s.users.CreateUser(ctx, &store.User{
		ID:          id.UserID,
		DisplayName: truncateRunes(name, MaxDisplayNameRunes),
		CreatedAt:   s.now(),
	})
	if err != nil {
		glog.Errorf("sessions: create user %s error: %v", id.UserID, err)
		storeErrorCounter.WithLabelValues("create_user").Inc()
		return nil, err
	}
	return u, nil
}

func (s *Sessions) GetUser(ctx context.Context, uid string) (*store.User, error) {
	return s.users.GetUser(ctx, uid)
}

// SetDisplayName renames uid, which must be the resolved caller.
func (s *Sessions) SetDisplayName(ctx context.Context, uid, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidArgument("display name: should not be empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameRunes {
		return invalidArgument("display name: exceeds %d characters", MaxDisplayNameRunes)
	}
	return s.users.SetDisplayName(ctx, uid, name)
}

// SetUsername claims the unique handle name for uid.
func (s *Sessions) SetUsername(ctx context.Context, uid, name string) (string, error) {
	name, err := normalizeUsername(name)
	if err != nil {
		return "", err
	}
	if err := s.users.SetUsername(ctx, uid, name); err != nil {
		if !errors.Is(err, store.ErrDuplicate) && !errors.Is(err, store.ErrNotFound) {
			storeErrorCounter.WithLabelValues("set_username").Inc()
		}
		return "", err
	}
	glog.V(5).Infof("sessions: user %s is now @%s", uid, name)
	return name, nil
}

func (s *Sessions) FindByUsername(ctx context.Context, name string) (*store.User, error) {
	name, err := normalizeUsername(name)
	if err != nil {
		return nil, err
	}
	return s.users.GetUserByUsername(ctx, name)
}

// GetUsers returns the known users among ids in the given order, unknown ids
// are skipped.
func (s *Sessions) GetUsers(ctx context.Context, ids []string) ([]*store.User, error) {
	if len(ids) > MaxBatchUsers {
		return nil, invalidArgument("ids: at most %d per call", MaxBatchUsers)
	}
	seen := make(map[string]bool, len(ids))
	out := make([]*store.User, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		u, err := s.users.GetUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// SetDeviceToken records the push token of uid's device, empty clears it.
func (s *Sessions) SetDeviceToken(ctx context.Context, uid, token string) error {
	token = strings.TrimSpace(token)
	if len(token) > MaxDeviceTokenBytes {
		return invalidArgument("device_token: exceeds max size")
	}
	return s.users.SetDeviceToken(ctx, uid, token)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
