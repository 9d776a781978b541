package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"convsync/internal/docstore"
	"convsync/internal/domain"
	"convsync/internal/usecase"
)

var profileCommand = &cli.Command{
	Name:  "profile",
	Usage: "Create or update your profile record",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "display-name", Usage: "Name shown to the other person"},
		&cli.IntFlag{Name: "delay", Usage: "Delayed-send window in seconds (0 disables)", Value: -1},
	},
	Action: cmdProfile,
}

func cmdProfile(ctx *cli.Context) error {
	acct, err := requireUID(ctx)
	if err != nil {
		return err
	}
	fields := docstore.Fields{domain.FieldUID: acct.UID}
	if acct.PublicID != "" {
		fields[domain.FieldPublicID] = acct.PublicID
	}
	if name := ctx.String("display-name"); name != "" {
		fields[domain.FieldDisplayName] = name
	}
	if delay := ctx.Int("delay"); delay >= 0 {
		fields[domain.FieldDelaySendEnabled] = delay > 0
		fields[domain.FieldDelaySendSeconds] = usecase.ClampDelay(delay)
	}

	env := getEnv(ctx)
	if err := env.store.Set(ctx.Context, usecase.UserPath(acct.UID), fields, docstore.Merge()); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	fmt.Printf("Profile %s saved\n", acct.UID)
	return nil
}
