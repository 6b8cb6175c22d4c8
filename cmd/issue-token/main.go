package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	askSecret := flag.Bool("ask-secret", false, "Prompt for the signing secret instead of using JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprintln(os.Stderr, "=== Issue Exam-Mode Token ===")

	// User ID
	fmt.Fprint(os.Stderr, "Enter User ID: ")
	userIDStr, _ := reader.ReadString('\n')
	userID, err := strconv.Atoi(strings.TrimSpace(userIDStr))
	if err != nil || userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: User ID must be a positive number")
		os.Exit(1)
	}

	// Role
	fmt.Fprint(os.Stderr, "Enter Role [candidate|proctor|admin] (default candidate): ")
	roleStr, _ := reader.ReadString('\n')
	role := proctor.Role(strings.TrimSpace(roleStr))
	if role == "" {
		role = proctor.RoleCandidate
	}
	if !role.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", role)
		os.Exit(1)
	}

	// Secret
	if *askSecret {
		fmt.Fprint(os.Stderr, "Enter Signing Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			os.Exit(1)
		}
		if len(secret) < 16 {
			fmt.Fprintln(os.Stderr, "Error: Secret must be at least 16 characters")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(cfg).GenerateToken(userID, role)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().Int("user_id", userID).Str("role", string(role)).Dur("expires_in", cfg.JWTExpiry).Msg("Token issued")
	// Only the token goes to stdout so it can be piped.
	fmt.Println(token)
}
