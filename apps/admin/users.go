package main

import (
	"context"
	"fmt"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/user"
)

func (cli *commandLine) addUser(uname, name, email, role, scope, pwd string) error {
	sc, err := user.ParseScope(scope)
	if err != nil {
		return err
	}
	usr, err := cli.usrSvc.Create(context.Background(), cliSession, user.NewUser{
		Name:            name,
		Username:        uname,
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
		Role:            user.Role(core.CleanString(role, true /* lower */)),
		Scope:           sc,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "created %s %s (%s)\n", usr.Role, usr.Username, usr.ID)
	return nil
}

func (cli *commandLine) resetPassword(uname, pwd string) error {
	ctx := context.Background()
	usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}
	return cli.usrSvc.SetPassword(ctx, usr.ID, pwd)
}

func (cli *commandLine) setScope(uname, scope string) error {
	ctx := context.Background()
	sc, err := user.ParseScope(scope)
	if err != nil {
		return err
	}
	usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}
	if usr, err = cli.usrSvc.SetScope(ctx, cliSession, usr.ID, sc); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s now acts within %q\n", usr.Username, usr.Scope.String())
	return nil
}

func (cli *commandLine) setActive(uname string, active bool) error {
	ctx := context.Background()
	usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}
	_, err = cli.usrSvc.SetActive(ctx, cliSession, usr.ID, active)
	return err
}
