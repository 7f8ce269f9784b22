package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wgst88w/Gemini-CLI-UI/internal/attachments"
	"github.com/wgst88w/Gemini-CLI-UI/internal/mcpconfig"
	"github.com/wgst88w/Gemini-CLI-UI/internal/server"
	"github.com/wgst88w/Gemini-CLI-UI/internal/supervisor"
)

type runOptions struct {
	sessionID string
	cwd       string
	model     string
	yolo      bool
	debug     bool
	images    []string
}

// runCmd runs a single turn and prints the response, for smoke-testing a
// Gemini CLI installation without a client.
func runCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one turn against the Gemini CLI and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			images, err := loadImages(ro.images)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			detector := mcpconfig.NewDetector(cfg.MCPConfigPath, cfg.MCPProjectsKey)
			sup := server.NewSupervisor(cfg, detector, nil)

			res, err := sup.Run(ctx, supervisor.Request{
				Command:         strings.Join(args, " "),
				SessionID:       ro.sessionID,
				Cwd:             ro.cwd,
				Model:           ro.model,
				Debug:           ro.debug,
				SkipPermissions: ro.yolo,
				Images:          images,
			}, printSink(cmd.OutOrStdout(), cmd.ErrOrStderr()))

			var exitErr *supervisor.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("turn failed (session %q): %w", res.SessionID, err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.sessionID, "session", "", "Session id to continue")
	f.StringVar(&ro.cwd, "cwd", "", "Working directory for the CLI (default: current directory)")
	f.StringVar(&ro.model, "model", "", "Model for a new session")
	f.BoolVar(&ro.yolo, "yolo", false, "Let the CLI run tools without asking")
	f.BoolVar(&ro.debug, "debug", false, "Pass --debug to the CLI")
	f.StringSliceVar(&ro.images, "image", nil, "Image file to attach (repeatable)")
	return cmd
}

// printSink writes responses to out and everything else to errOut.
func printSink(out, errOut io.Writer) supervisor.EventSink {
	return supervisor.EventSinkFunc(func(ev supervisor.Event) error {
		var err error
		switch ev.Type {
		case supervisor.EventSessionCreated:
			_, err = fmt.Fprintf(errOut, "session: %s\n", ev.SessionID)
		case supervisor.EventResponse:
			_, err = fmt.Fprintln(out, ev.Content)
		case supervisor.EventError:
			_, err = fmt.Fprintln(errOut, strings.TrimRight(ev.Error, "\n"))
		case supervisor.EventComplete:
			if ev.ExitCode != 0 {
				_, err = fmt.Fprintf(errOut, "exit code: %d\n", ev.ExitCode)
			}
		}
		return err
	})
}

// loadImages encodes image files as data URIs, the form clients send them in.
func loadImages(paths []string) ([]attachments.Attachment, error) {
	out := make([]attachments.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if mimeType == "" {
			mimeType = "image/png"
		}
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		out = append(out, attachments.Attachment{
			Data: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}
