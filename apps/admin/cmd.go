package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

// cliSession is the identity the CLI acts as.
var cliSession = user.NewSession(user.User{ID: "admin-cli", Username: "admin-cli", Role: user.RoleAdmin, IsActive: true})

type commandLine struct {
	db         *sql.DB
	usrSvc     *user.Service
	studentSvc *student.Service
	out        io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  adduser -username USERNAME -name NAME [-email EMAIL] [-role admin|trainer] [-scope G1:2024,G2:2024] - create an account")
	fmt.Fprintln(cli.out, "  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Fprintln(cli.out, "  setscope -username USERNAME|EMAIL -scope G1:2024,G2:2024 - replace a trainer's assignment scope")
	fmt.Fprintln(cli.out, "  deactivate -username USERNAME|EMAIL [-undo] - deactivate (or reactivate) an account")
	fmt.Fprintln(cli.out, "  addstudent -name NAME -group GROUP -year YEAR [-unit UNIT] - register a student")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run goose migrations (up, down, status, ...)")
}

func (cli *commandLine) promptPassword(confirm bool) (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	if !confirm || len(pwd) == 0 {
		return string(pwd), nil
	}
	fmt.Fprint(cli.out, "Confirm password:")
	again, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	if string(again) != string(pwd) {
		return "", errors.New("passwords do not match")
	}
	return string(pwd), nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserUname := addUserCmd.String("username", "", "The username. The password will be prompted next.")
	addUserName := addUserCmd.String("name", "", "The full name.")
	addUserEmail := addUserCmd.String("email", "", "The e-mail address, used for sync notifications.")
	addUserRole := addUserCmd.String("role", string(user.RoleTrainer), "admin or trainer.")
	addUserScope := addUserCmd.String("scope", "", "A trainer's assignments, as GROUP:YEAR,GROUP:YEAR.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	setScopeCmd := flag.NewFlagSet("setscope", flag.ContinueOnError)
	setScopeUname := setScopeCmd.String("username", "", "The trainer's username or email.")
	setScopeScope := setScopeCmd.String("scope", "", "The new assignments, as GROUP:YEAR,GROUP:YEAR. Empty clears them.")

	deactivateCmd := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	deactivateUname := deactivateCmd.String("username", "", "The user's username or email.")
	deactivateUndo := deactivateCmd.Bool("undo", false, "Reactivate the account instead.")

	addStudentCmd := flag.NewFlagSet("addstudent", flag.ContinueOnError)
	addStudentName := addStudentCmd.String("name", "", "The student's full name.")
	addStudentGroup := addStudentCmd.String("group", "", "The student's group.")
	addStudentYear := addStudentCmd.Int("year", 0, "The student's year.")
	addStudentUnit := addStudentCmd.String("unit", "", "The student's unit.")

	for _, fs := range []*flag.FlagSet{addUserCmd, resetPasswordCmd, setScopeCmd, deactivateCmd, addStudentCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *addUserUname == "" || *addUserName == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(true)
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(*addUserUname, *addUserName, *addUserEmail, *addUserRole, *addUserScope, pwd)

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(false)
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordUname, pwd)

	case "setscope":
		if err := setScopeCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *setScopeUname == "" {
			setScopeCmd.Usage()
			return errHelp
		}
		return cli.setScope(*setScopeUname, *setScopeScope)

	case "deactivate":
		if err := deactivateCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *deactivateUname == "" {
			deactivateCmd.Usage()
			return errHelp
		}
		return cli.setActive(*deactivateUname, *deactivateUndo)

	case "addstudent":
		if err := addStudentCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *addStudentName == "" || *addStudentGroup == "" || *addStudentYear == 0 {
			addStudentCmd.Usage()
			return errHelp
		}
		return cli.addStudent(*addStudentName, *addStudentGroup, *addStudentYear, *addStudentUnit)

	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	default:
		cli.printUsage()
		return errHelp
	}
}
