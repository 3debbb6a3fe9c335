package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/continuum-canvas/continuum/internal/client"
	"github.com/continuum-canvas/continuum/internal/model"
)

type options struct {
	server string
	token  string
	asJSON bool
	system string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "continuumctl",
		Short:         "Inspect and manage Continuum conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("CONTINUUM_URL", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CONTINUUM_TOKEN"), "access token (defaults to $CONTINUUM_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, err := opts.client().ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), convs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [conversation-id]",
		Short: "Print a conversation as an indented tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := opts.client().GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", detail.Conversation.Title, detail.Conversation.ID)
			printTree(cmd.OutOrStdout(), detail.Nodes, detail.Edges)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [conversation-id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List the recorded saves and deletes of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().ConversationHistory(cmd.Context(), args[0], 0)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTYPE\tNODES\tAT")
			for _, ev := range resp.Events {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", ev.Sequence, ev.Type, len(ev.Nodes), ev.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Send one question to the completion proxy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var messages []model.ChatMessage
			if opts.system != "" {
				messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: opts.system})
			}
			messages = append(messages, model.ChatMessage{Role: model.RoleUser, Content: strings.Join(args, " ")})

			reply, err := opts.client().Chat(cmd.Context(), messages)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	askCmd.Flags().StringVar(&opts.system, "system", "", "system message sent before the question")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether the server is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status["status"])
			return nil
		},
	}

	rootCmd.AddCommand(listCmd, showCmd, deleteCmd, historyCmd, askCmd, healthCmd)
	return rootCmd
}

func (o *options) client() *client.Client {
	return client.New(o.server, client.WithToken(o.token))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTree writes nodes depth first below their parents. Nodes without a
// parent edge start a new root.
func printTree(w io.Writer, nodes []model.CanvasNode, edges []model.CanvasEdge) {
	children := make(map[string][]string, len(nodes))
	hasParent := make(map[string]bool, len(edges))
	for _, e := range edges {
		children[e.Source] = append(children[e.Source], e.Target)
		hasParent[e.Target] = true
	}
	byID := make(map[string]model.CanvasNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		n, ok := byID[id]
		if !ok {
			return
		}
		label := strings.ReplaceAll(n.Data.Label, "\n", " ")
		fmt.Fprintf(w, "%s[%s] %s\n", strings.Repeat("  ", depth), n.Data.Role, label)
		for _, child := range children[id] {
			walk(child, depth+1)
		}
	}
	for _, n := range nodes {
		if !hasParent[n.ID] {
			walk(n.ID, 0)
		}
	}
}
