package user

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/rollcall/core"
)

type Role string

// Roles
const (
	RoleAdmin   Role = "admin"
	RoleTrainer Role = "trainer"
)

var (
	AllRoles = []Role{RoleAdmin, RoleTrainer}

	Roles = []RoleInfo{
		{Name: "Trainer", Value: RoleTrainer},
		{Name: "Admin", Value: RoleAdmin},
	}
)

type RoleInfo struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
}

func (r Role) IsValid() bool {
	for _, role := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Assignment is a (group, year) pair a trainer may act within.
type Assignment struct {
	GroupID string `json:"group_id" validate:"required,notblank"`
	Year    int    `json:"year" validate:"required,min=1900,max=9999"`
}

func (a Assignment) String() string {
	return a.GroupID + ":" + strconv.Itoa(a.Year)
}

// ParseAssignment parses the "GROUP:YEAR" notation.
func ParseAssignment(s string) (Assignment, error) {
	parts := strings.SplitN(core.CleanString(s), ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return Assignment{}, errors.Errorf("invalid assignment %q: want GROUP:YEAR", s)
	}
	year, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Assignment{}, errors.Wrapf(err, "invalid assignment year %q", parts[1])
	}
	return Assignment{GroupID: strings.TrimSpace(parts[0]), Year: year}, nil
}

// Scope is the set of assignments of a trainer. It is ignored for admins.
type Scope []Assignment

// ParseScope parses a comma separated list of "GROUP:YEAR" assignments.
func ParseScope(s string) (Scope, error) {
	var scope Scope
	for _, item := range core.CleanStrings(strings.Split(s, ",")) {
		a, err := ParseAssignment(item)
		if err != nil {
			return nil, err
		}
		scope = append(scope, a)
	}
	return scope.Normalize(), nil
}

func (s Scope) Contains(groupID string, year int) bool {
	for _, a := range s {
		if a.GroupID == groupID && a.Year == year {
			return true
		}
	}
	return false
}

func (s Scope) HasGroup(groupID string) bool {
	for _, a := range s {
		if a.GroupID == groupID {
			return true
		}
	}
	return false
}

// Groups returns the sorted, distinct group ids of the scope.
func (s Scope) Groups() []string {
	seen := make(map[string]struct{}, len(s))
	groups := make([]string, 0, len(s))
	for _, a := range s {
		if _, ok := seen[a.GroupID]; !ok {
			seen[a.GroupID] = struct{}{}
			groups = append(groups, a.GroupID)
		}
	}
	sort.Strings(groups)
	return groups
}

// Normalize returns a sorted copy of the scope without duplicates.
func (s Scope) Normalize() Scope {
	if s == nil {
		return nil
	}
	res := make(Scope, 0, len(s))
	for _, a := range s {
		if !res.Contains(a.GroupID, a.Year) {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].GroupID == res[j].GroupID {
			return res[i].Year < res[j].Year
		}
		return res[i].GroupID < res[j].GroupID
	})
	return res
}

func (s Scope) String() string {
	items := make([]string, 0, len(s))
	for _, a := range s {
		items = append(items, a.String())
	}
	return strings.Join(items, ",")
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	Scope        Scope     `json:"scope"`
	IsActive     bool      `json:"is_active"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u User) IsAdmin() bool   { return u.Role == RoleAdmin }
func (u User) IsTrainer() bool { return u.Role == RoleTrainer }

// Session is the identity snapshot supplied at session start.
// It is immutable for the duration of the session: scope changes made by an admin
// only take effect on the next session.
type Session struct {
	user      User
	startedAt time.Time
}

func NewSession(usr User) Session {
	usr.Scope = append(Scope(nil), usr.Scope...)
	usr.PasswordHash = nil
	return Session{user: usr, startedAt: time.Now().UTC()}
}

// User returns a copy of the session user.
func (s Session) User() User {
	usr := s.user
	usr.Scope = append(Scope(nil), s.user.Scope...)
	return usr
}

func (s Session) UserID() string       { return s.user.ID }
func (s Session) Role() Role           { return s.user.Role }
func (s Session) StartedAt() time.Time { return s.startedAt }
func (s Session) IsZero() bool         { return s.user.ID == "" }

func (s Session) String() string {
	return fmt.Sprintf("%s(%s)", s.user.ID, s.user.Role)
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name            string `json:"name" validate:"required,notblank"`
	Username        string `json:"username" validate:"required,min=3,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	Password        string `json:"password" validate:"required,min=8"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
	Role            Role   `json:"role" validate:"required,role"`
	Scope           Scope  `json:"scope" validate:"omitempty,dive"`
}

func (nu *NewUser) Clean() {
	nu.Name = core.CleanString(nu.Name)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Scope = nu.Scope.Normalize()
}

// QueryFilter applies AND operation on its set fields.
type QueryFilter struct {
	Search   string `query:"search"` // case-insensitive match on one of Name, Username or Email
	Role     Role   `query:"role"`
	GroupID  string `query:"group"`
	IsActive *bool  `query:"is_active"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search, true /* lower */)
	qf.GroupID = core.CleanString(qf.GroupID)
}

// Match reports whether usr satisfies the filter.
func (qf *QueryFilter) Match(usr User) bool {
	if qf == nil {
		return true
	}
	if qf.Search != "" &&
		!strings.Contains(strings.ToLower(usr.Name), qf.Search) &&
		!strings.Contains(usr.Username, qf.Search) &&
		!strings.Contains(usr.Email, qf.Search) {
		return false
	}
	if qf.Role != "" && usr.Role != qf.Role {
		return false
	}
	if qf.GroupID != "" && !usr.Scope.HasGroup(qf.GroupID) {
		return false
	}
	if qf.IsActive != nil && usr.IsActive != *qf.IsActive {
		return false
	}
	return true
}

// GetFilter selects a single user. The first set field wins.
type GetFilter struct {
	ID              string
	Username        string
	UsernameOrEmail string
}
