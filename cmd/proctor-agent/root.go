package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/authority"
	"github.com/stemsi/exstem-proctor/internal/browser"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var rootCmd = &cobra.Command{
	Use:   "proctor-agent",
	Short: "Run an exam-mode session against the authority",
	Long: "proctor-agent drives an exam-mode session with a simulated browser. " +
		"Browser actions are read line by line from stdin and every view change is printed to stdout.",
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.Flags().String("url", "", "Authority base URL (overrides AUTHORITY_URL)")
	rootCmd.Flags().String("contest", "", "Contest ID")
	rootCmd.Flags().String("token", "", "Bearer token (overrides PROCTOR_TOKEN; prompted when both are empty)")
	rootCmd.Flags().String("role", string(proctor.RoleCandidate), "Role of the token holder: candidate, proctor or admin")
	rootCmd.Flags().Bool("exam-mode", true, "Whether exam mode is enabled on the contest")
	rootCmd.Flags().Bool("watch", true, "Refresh on pushed status changes")
	_ = rootCmd.MarkFlagRequired("contest")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	flags := cmd.Flags()
	rawContest, _ := flags.GetString("contest")
	contestID, err := uuid.Parse(rawContest)
	if err != nil {
		return fmt.Errorf("invalid contest ID: %w", err)
	}

	rawRole, _ := flags.GetString("role")
	role := proctor.Role(rawRole)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", rawRole)
	}

	baseURL, _ := flags.GetString("url")
	if baseURL == "" {
		baseURL = cfg.AuthorityURL
	}

	token, err := resolveToken(cmd)
	if err != nil {
		return err
	}

	client, err := authority.New(baseURL, token, authority.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create authority client: %w", err)
	}

	enabled, _ := flags.GetBool("exam-mode")
	emitter := browser.NewEmitter()
	screen := browser.NewVirtualScreen(emitter)
	printer := newViewPrinter(cmd.OutOrStdout())

	session := proctor.NewSession(proctor.Config{
		ContestID:       contestID,
		Role:            role,
		ExamModeEnabled: enabled,
		Authority:       client,
		Signals:         emitter,
		Screen:          screen,
		Timing:          cfg.Proctor.Timing(),
		Logger:          log,
		OnChange:        printer.Print,
	})

	if err := session.Mount(ctx); err != nil {
		// Refresh failures leave the session mounted and retrying.
		if errors.Is(err, proctor.ErrAlreadyMounted) {
			return err
		}
		log.Warn().Err(err).Msg("Initial status fetch failed")
	}
	defer session.Unmount()

	if watch, _ := flags.GetBool("watch"); watch {
		go func() {
			err := client.Watch(ctx, contestID, func(proctor.StatusSnapshot) {
				if err := session.Refresh(ctx); err != nil {
					log.Warn().Err(err).Msg("Pushed refresh failed")
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Status stream stopped")
			}
		}()
	}

	a := &agent{session: session, screen: screen, out: cmd.OutOrStdout()}
	return a.run(ctx, bufio.NewScanner(cmd.InOrStdin()))
}

// resolveToken prefers --token, then PROCTOR_TOKEN, then a terminal prompt.
func resolveToken(cmd *cobra.Command) (string, error) {
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		return token, nil
	}
	if token := os.Getenv("PROCTOR_TOKEN"); token != "" {
		return token, nil
	}

	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errors.New("no token: pass --token or set PROCTOR_TOKEN")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Enter Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}
