package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/logging"
	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/roomname"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
	"github.com/BioHazard786/Warpchat/internal/ui"
)

var (
	flagDomain    string
	flagInsecure  bool
	flagSTUN      string
	flagClientID  string
	flagDownloads string
	flagLogFile   string
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a chat room, creating a new room name when none is given",
	Long: `Join a chat room through the relay and talk to the other member over a direct
data channel. Without a room name a fresh one is generated to share.

Inside the room:
  /file <path>   send a file
  /members       show who is here
  /quit          leave

Examples:
  warpchat join
  warpchat join brave-otter-tacos-maria
  warpchat join --domain relay.example.com brave-otter-tacos-maria`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := ""
		if len(args) == 1 {
			room = args[0]
		}
		return joinRoom(cmd.Context(), room)
	},
}

func init() {
	addClientFlags(joinCmd)
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL, or \"none\" for host candidates only (env STUN_SERVER)")
	joinCmd.Flags().StringVar(&flagClientID, "id", "", "client id shown to other members (env CLIENT_ID)")
	joinCmd.Flags().StringVarP(&flagDownloads, "downloads", "o", ".", "directory for received files")
	joinCmd.Flags().StringVar(&flagLogFile, "log-file", "", "write logs to this file instead of discarding them")
}

func addClientFlags(c *cobra.Command) {
	c.Flags().StringVarP(&flagDomain, "domain", "d", "", "relay host[:port] (env DOMAIN)")
	c.Flags().BoolVar(&flagInsecure, "insecure", false, "use ws:// and http:// for the relay (env INSECURE)")
}

func joinRoom(ctx context.Context, roomID string) error {
	closeLog, err := initClientLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := loadConfig(config.Options{
		Domain:     flagDomain,
		Insecure:   flagInsecure,
		STUNServer: flagSTUN,
		ClientID:   flagClientID,
	})
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if roomID == "" {
		roomID = roomname.GenerateUnique(func(id string) bool {
			return roomTaken(ctx, cfg.RoomsURL(), id)
		})
		ui.PrintInfof("New room %s", ui.BoldStyle.Render(roomID))
		ui.PrintInfof("Share it: warpchat join %s", roomID)
	} else if !roomname.Valid(roomID) {
		return signaling.WrapError(signaling.ProtocolError, "join", signaling.ErrInvalidRoom, roomID)
	}

	if info, err := os.Stat(flagDownloads); err != nil || !info.IsDir() {
		return fmt.Errorf("downloads directory %q is not usable", flagDownloads)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		// Stable across reconnects so peers keep seeing the same member.
		clientID = uuid.NewString()
	}

	program := tea.NewProgram(ui.NewChatModel(roomID, flagDownloads), tea.WithAltScreen())
	chat := &ChatContext{
		Config:   cfg,
		RoomID:   roomID,
		ClientID: clientID,
		Peers: negotiation.NewFactory(negotiation.FactoryOptions{
			STUNServers:   cfg.GetSTUNServers(),
			LoggerFactory: logging.NewPionFactory(slog.Default()),
		}),
		Messages: transport.NewMessageLog(),
		Program:  program,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := program.Run()
		return err
	})
	g.Go(func() error {
		defer program.Quit()
		return chat.RunWithReconnect(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	ui.PrintSuccessf("Left room %s (%d message(s))", roomID, chat.Messages.Len())
	return nil
}

// initClientLogging keeps logs off the terminal the chat screen owns.
func initClientLogging() (func(), error) {
	if flagLogFile == "" {
		logging.InitWriter(io.Discard, slog.LevelError)
		return func() {}, nil
	}
	f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.InitWriter(f, slog.LevelInfo)
	return func() { f.Close() }, nil
}
