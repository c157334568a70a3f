package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/RichardoC/padchat/internal/generation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAskCommand(flags *globalFlags) *cobra.Command {
	var (
		conversationID int64
		newName        string
		parentID       int64
		branchID       int64
		mode           string
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message to a conversation and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if newName != "" {
				conv, err := a.conversations.Create(ctx, newName, nil)
				if err != nil {
					return err
				}
				conversationID = conv.ID
				fmt.Fprintf(os.Stderr, "conversation %d\n", conv.ID)
			}
			if conversationID == 0 {
				return fmt.Errorf("either --conversation or --new is required")
			}

			req := generation.Request{
				ConversationID: conversationID,
				UserMessage:    strings.Join(args, " "),
				Mode:           generation.Mode(mode),
				BranchID:       branchID,
			}
			if cmd.Flags().Changed("parent") {
				req.ParentID = &parentID
			}

			res, err := a.pipeline.Stream(ctx, req, cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			logger.Debug("reply stored",
				zap.Int64("userMessageID", res.User.ID),
				zap.Int64("assistantMessageID", res.Assistant.ID))
			return nil
		},
	}
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "conversation id to append to")
	cmd.Flags().StringVar(&newName, "new", "", "create a new conversation with this name first")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent message id (branching mode)")
	cmd.Flags().Int64Var(&branchID, "branch", 0, "branch id under the parent (branching mode)")
	cmd.Flags().StringVar(&mode, "mode", "", "history mode: flat or branching (default from config)")
	return cmd
}
