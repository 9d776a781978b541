package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"convsync/internal/usecase"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print earlier messages of a conversation",
	ArgsUsage: "PEER_PUBLIC_ID",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "Messages per page", Value: 20},
		&cli.StringFlag{Name: "before", Usage: "Only messages older than this message id"},
	},
	Action: cmdHistory,
}

func cmdHistory(ctx *cli.Context) error {
	acct, err := requireUID(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify the other person's public id")
	}
	env := getEnv(ctx)
	chat, err := usecase.NewChatService(env.store, env.filter, nil, env.logger, env.cfg.PageSize)
	if err != nil {
		return err
	}
	out, err := chat.Execute(ctx.Context, usecase.ChatInput{
		Action:       usecase.ActionHistory,
		UID:          acct.UID,
		PublicID:     acct.PublicID,
		PeerPublicID: ctx.Args().Get(0),
		Before:       ctx.String("before"),
		Limit:        ctx.Int("limit"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Conversation %s\n", out.ConversationID)
	if out.ReachedStart {
		fmt.Println("-- start of conversation --")
	}
	for _, m := range out.Messages {
		fmt.Println(formatMessage(m, acct.UID))
	}
	return nil
}
