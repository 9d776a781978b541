package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"convsync/internal/docstore"
	"convsync/internal/identity"
	"convsync/internal/usecase"
)

var eraseCommand = &cli.Command{
	Name:      "erase",
	Usage:     "Delete every message of a conversation",
	ArgsUsage: "PEER_PUBLIC_ID",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "Confirm the deletion"},
	},
	Action: cmdErase,
}

func cmdErase(ctx *cli.Context) error {
	acct, err := requireUID(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify the other person's public id")
	}
	if !ctx.Bool("yes") {
		return fmt.Errorf("refusing to erase without --yes")
	}
	env := getEnv(ctx)
	ids := identity.NewResolver(acct, ctx.Args().Get(0))
	conv, err := usecase.NewConversation(env.store, ids, env.filter, nil, env.logger)
	if err != nil {
		return err
	}
	if _, err := conv.ResolvePeer(ctx.Context); err != nil {
		return err
	}
	cid := ids.ActiveConversationID()
	n, err := usecase.EraseHistory(ctx.Context, env.store, docstore.NewRegistry(), cid)
	if err != nil {
		return fmt.Errorf("failed to erase %s: %w", cid, err)
	}
	fmt.Printf("Erased %d records from %s\n", n, cid)
	return nil
}
