package server

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mavdeev/chatline/internal/store"
)

// Admin verbs, read line by line from the operator channel (stdin in the
// default deployment).
const (
	AdminReset    = "RESET"
	AdminShutdown = "SHUTDOWN"
)

// RunAdminChannel reads operator commands until EOF or a terminal command.
// RESET truncates the entire database and then shuts the server down;
// SHUTDOWN drains and stops without touching data. Anything else is logged
// and ignored. Returns true if a shutdown was initiated.
func RunAdminChannel(r io.Reader, srv *Server, st store.Store, logger zerolog.Logger) bool {
	logger = logger.With().Str("component", "admin").Logger()
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case AdminReset:
			logger.Warn().Msg("RESET received, wiping database")
			if !st.DeleteEverything(context.Background()) {
				logger.Error().Msg("database wipe failed")
			}
			srv.Shutdown()
			return true
		case AdminShutdown:
			logger.Info().Msg("SHUTDOWN received")
			srv.Shutdown()
			return true
		case "":
		default:
			logger.Warn().Str("command", cmd).Msg("unknown admin command")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("admin channel read failed")
	}
	return false
}
