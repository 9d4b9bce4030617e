package user

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
)

var (
	// errors
	ErrNotFound       = errors.WithMessage(core.ErrNotFound, "user")
	ErrUsernameExists = errors.New("a user with this username already exists")
	ErrEmailExists    = errors.New("a user with this email already exists")
	ErrAdminOnly      = errors.WithMessage(core.ErrPermissionDenied, "only an admin may manage accounts")
)

type (
	// Repository persists user accounts. Users are never deleted, only deactivated.
	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...User) error
		CreateUser(ctx context.Context, usr User) (User, error)
		QueryUsers(ctx context.Context, filter *QueryFilter) ([]User, error)
		GetUser(ctx context.Context, filter GetFilter) (User, error)
		UpdateUser(ctx context.Context, usr User) (User, error)
	}

	Service struct {
		repo       Repository
		validate   *validator.Validate
		translator ut.Translator
		logger     core.Logger
	}
)

func NewService(repo Repository, validate *validator.Validate, translator ut.Translator, logger core.Logger) *Service {
	return &Service{repo: repo, validate: validate, translator: translator, logger: logger}
}

func (svc *Service) checkUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers...); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

// Create registers a new account. Only an admin may create accounts.
func (svc *Service) Create(ctx context.Context, actor Session, nu NewUser) (User, error) {
	if actor.Role() != RoleAdmin {
		return User{}, ErrAdminOnly
	}
	nu.Clean()
	if err := svc.validate.Struct(nu); err != nil {
		return User{}, core.TranslateValidationErrors(err, svc.translator)
	}
	if err := svc.checkUniqueness(ctx, nu.Username, nu.Email); err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Role:      nu.Role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if nu.Role == RoleTrainer {
		usr.Scope = nu.Scope
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	usr, err := svc.repo.CreateUser(ctx, usr)
	if err != nil {
		return User{}, errors.Wrap(err, "creating user")
	}
	svc.logger.Info("user created", map[string]interface{}{"id": usr.ID, "role": usr.Role, "by": actor.UserID()})
	return usr, nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *Service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: core.CleanString(uname, true /* lower */)})
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter) ([]User, error) {
	if filter != nil {
		filter.Clean()
	}
	return svc.repo.QueryUsers(ctx, filter)
}

// SetScope replaces the assignment scope of a trainer.
func (svc *Service) SetScope(ctx context.Context, actor Session, id string, scope Scope) (User, error) {
	if actor.Role() != RoleAdmin {
		return User{}, ErrAdminOnly
	}
	for i, a := range scope {
		if err := svc.validate.Struct(a); err != nil {
			err = core.TranslateValidationErrors(err, svc.translator)
			return User{}, errors.Wrapf(err, "scope[%d]", i)
		}
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	if usr.Role != RoleTrainer {
		return User{}, core.NewValidationError(nil, core.FieldError{Field: "scope", Error: "only trainers have an assignment scope"})
	}
	usr.Scope = scope.Normalize()
	usr.UpdatedAt = time.Now().UTC()
	if usr, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return User{}, errors.Wrap(err, "updating scope")
	}
	svc.logger.Info("scope updated", map[string]interface{}{"id": usr.ID, "scope": usr.Scope.String(), "by": actor.UserID()})
	return usr, nil
}

// SetActive (de)activates an account.
func (svc *Service) SetActive(ctx context.Context, actor Session, id string, active bool) (User, error) {
	if actor.Role() != RoleAdmin {
		return User{}, ErrAdminOnly
	}
	if id == actor.UserID() && !active {
		return User{}, core.NewValidationError(nil, core.FieldError{Field: "is_active", Error: "you cannot deactivate yourself"})
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	usr.IsActive = active
	usr.UpdatedAt = time.Now().UTC()
	if usr, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return User{}, errors.Wrap(err, "updating user")
	}
	return usr, nil
}

// SetPassword replaces the password of an account.
func (svc *Service) SetPassword(ctx context.Context, id, pwd string) error {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return err
	}
	if err = usr.SetPassword(pwd); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	usr.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateUser(ctx, usr)
	return errors.Wrap(err, "updating user")
}

// Authenticate checks the credentials and records the login time.
func (svc *Service) Authenticate(ctx context.Context, uname, pwd string) (User, error) {
	usr, err := svc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return User{}, err
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return User{}, ErrNotFound
	}
	if !usr.IsActive {
		return User{}, errors.WithMessage(core.ErrPermissionDenied, "account deactivated")
	}
	usr.LastLogin = time.Now().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}
