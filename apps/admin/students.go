package main

import (
	"context"
	"fmt"

	"github.com/trezcool/goose"

	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/storage/database"
)

func (cli *commandLine) addStudent(name, group string, year int, unit string) error {
	st, err := cli.studentSvc.Create(context.Background(), student.NewStudent{Name: name, GroupID: group, Year: year, Unit: unit})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "registered %s in %s/%d (%s)\n", st.Name, st.GroupID, st.Year, st.ID)
	return nil
}

var gooseRunFunc = goose.RunFS // mockable

func (cli *commandLine) migrate(args []string) error {
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, database.Migrations, "migrations", arguments...)
}
