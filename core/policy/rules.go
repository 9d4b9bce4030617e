// Package policy is the single rule table deciding who may do what to a record.
// The lifecycle engine consults it on the client and Evaluate re-applies it
// at the point of remote acceptance.
package policy

import (
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

// Operation is an alias kept so callers read policy.Operation where it matters.
type Operation = record.Op

type (
	Effect int

	// Rule matches an (operation, role) pair and, when its condition holds, decides.
	Rule struct {
		Name   string
		Ops    []Operation
		Roles  []user.Role // empty means any role
		When   func(usr user.User, r record.Record) bool
		Effect Effect
		Deny   error  // sentinel returned on EffectDeny
		Reason string // shown to the user on EffectDeny
	}
)

const (
	EffectAllow Effect = iota
	EffectDeny
)

var (
	readWrite = []Operation{record.OpRead, record.OpUpdate, record.OpDelete, record.OpExport}
	ownOps    = []Operation{record.OpRead, record.OpCreate, record.OpUpdate, record.OpDelete, record.OpExport}
	adminOps  = []Operation{record.OpRead, record.OpCreate, record.OpUpdate, record.OpDelete, record.OpUnlock, record.OpLock}
	always    = func(user.User, record.Record) bool { return true }
)

// Rules is evaluated in order; the first matching rule wins. No match denies.
var Rules = []Rule{
	{
		Name:   "inactive-account",
		Ops:    record.AllOps,
		When:   func(usr user.User, _ record.Record) bool { return !usr.IsActive },
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "account deactivated",
	},
	{
		Name:   "admin-no-export",
		Ops:    []Operation{record.OpExport},
		Roles:  []user.Role{user.RoleAdmin},
		When:   always,
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "admins do not export records",
	},
	{
		Name:   "admin-override",
		Ops:    adminOps,
		Roles:  []user.Role{user.RoleAdmin},
		When:   always,
		Effect: EffectAllow,
	},
	{
		Name:   "admin-only",
		Ops:    []Operation{record.OpUnlock, record.OpLock},
		When:   always,
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "only an admin may do this",
	},
	{
		Name:  "trainer-create-scope",
		Ops:   []Operation{record.OpCreate},
		Roles: []user.Role{user.RoleTrainer},
		When: func(usr user.User, r record.Record) bool {
			return !usr.Scope.Contains(r.GroupID, r.Year)
		},
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "group/year outside your assignment scope",
	},
	{
		Name:  "trainer-scope",
		Ops:   readWrite,
		Roles: []user.Role{user.RoleTrainer},
		When: func(usr user.User, r record.Record) bool {
			return !usr.Scope.HasGroup(r.GroupID)
		},
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "group outside your assignment scope",
	},
	{
		Name:  "trainer-not-author",
		Ops:   ownOps,
		Roles: []user.Role{user.RoleTrainer},
		When: func(usr user.User, r record.Record) bool {
			return r.AuthorID != usr.ID
		},
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "not your record",
	},
	{
		Name:  "trainer-update-draft",
		Ops:   []Operation{record.OpUpdate},
		Roles: []user.Role{user.RoleTrainer},
		When: func(_ user.User, r record.Record) bool {
			return !r.IsDraft()
		},
		Effect: EffectDeny, Deny: core.ErrPermissionDenied, Reason: "record is no longer a draft",
	},
	{
		Name:  "trainer-delete-draft",
		Ops:   []Operation{record.OpDelete},
		Roles: []user.Role{user.RoleTrainer},
		When: func(_ user.User, r record.Record) bool {
			return !r.IsDraft()
		},
		Effect: EffectDeny, Deny: core.ErrInvalidState, Reason: "only a draft can be deleted",
	},
	{
		Name:  "trainer-export-draft",
		Ops:   []Operation{record.OpExport},
		Roles: []user.Role{user.RoleTrainer},
		When: func(_ user.User, r record.Record) bool {
			return !r.IsDraft()
		},
		Effect: EffectDeny, Deny: core.ErrInvalidState, Reason: "already exported",
	},
	{
		Name:   "trainer-own-record",
		Ops:    ownOps,
		Roles:  []user.Role{user.RoleTrainer},
		When:   always,
		Effect: EffectAllow,
	},
}

func (rl Rule) matches(usr user.User, r record.Record, op Operation) bool {
	if !contains(rl.Ops, op) {
		return false
	}
	if len(rl.Roles) > 0 && !contains(rl.Roles, usr.Role) {
		return false
	}
	return rl.When(usr, r)
}

// Match returns the first rule matching (usr, r, op), if any.
func Match(usr user.User, r record.Record, op Operation) (Rule, bool) {
	for _, rl := range Rules {
		if rl.matches(usr, r, op) {
			return rl, true
		}
	}
	return Rule{}, false
}

// Authorize returns nil when usr may perform op on r, otherwise a RecordError
// wrapping the deciding rule's sentinel. For create, r is the proposed record.
func Authorize(usr user.User, r record.Record, op Operation) error {
	if !op.IsValid() {
		return errors.Errorf("unknown operation %q", op)
	}
	rl, ok := Match(usr, r, op)
	if !ok {
		return core.NewRecordError(r.ID, core.ErrPermissionDenied, "no rule allows "+string(op))
	}
	if rl.Effect == EffectAllow {
		return nil
	}
	return core.NewRecordError(r.ID, rl.Deny, rl.Reason)
}

// CanActOn is a pure function of role, scope and record state.
func CanActOn(usr user.User, r record.Record, op Operation) bool {
	return Authorize(usr, r, op) == nil
}

// Allowed lists the operations usr may perform on r in its current state,
// in AllOps order. The UI derives its flags from it.
func Allowed(usr user.User, r record.Record) []Operation {
	var ops []Operation
	for _, op := range record.AllOps {
		if op == record.OpCreate || !CanActOn(usr, r, op) {
			continue
		}
		if op.IsWrite() {
			if _, err := NextState(r.State, op); err != nil {
				continue
			}
		}
		ops = append(ops, op)
	}
	return ops
}

// Visibility is the query predicate of the records usr may read.
func Visibility(usr user.User) record.Predicate {
	switch {
	case !usr.IsActive:
		return record.Nothing()
	case usr.Role == user.RoleAdmin:
		return record.Predicate{}
	case usr.Role == user.RoleTrainer:
		groups := usr.Scope.Groups()
		if len(groups) == 0 {
			return record.Nothing()
		}
		return record.Predicate{AuthorIDs: []string{usr.ID}, GroupIDs: groups}
	default:
		return record.Nothing()
	}
}

// ScopeKey names the visibility scope of usr; pull marks are stored per key.
func ScopeKey(usr user.User) string {
	return string(usr.Role) + ":" + usr.ID + ":" + Visibility(usr).Key()
}

func contains[T comparable](vals []T, v T) bool {
	for _, val := range vals {
		if val == v {
			return true
		}
	}
	return false
}
