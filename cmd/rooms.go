package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/dns"
	"github.com/BioHazard786/Warpchat/internal/logging"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/ui"
	"github.com/BioHazard786/Warpchat/internal/version"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms live on the relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRooms(cmd.Context())
	},
}

func init() {
	addClientFlags(roomsCmd)
}

func listRooms(ctx context.Context) error {
	logging.Init(slog.LevelError)

	cfg, err := loadConfig(config.Options{Domain: flagDomain, Insecure: flagInsecure})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sp := ui.NewConnectionSpinner(fmt.Sprintf("Asking %s...", cfg.Domain))
	sp.Start()
	rooms, err := fetchRooms(ctx, cfg.RoomsURL())
	if err != nil {
		sp.Stop()
		return err
	}
	sp.Success(fmt.Sprintf("%s has %d active room(s)", cfg.Domain, len(rooms)))

	ui.RenderRooms(os.Stdout, rooms)
	return nil
}

var relayHTTP = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dns.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

func relayGet(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := relayHTTP.Do(req)
	if err != nil {
		return nil, signaling.WrapError(signaling.TransportError, "query relay", err, rawURL)
	}
	return resp, nil
}

func fetchRooms(ctx context.Context, roomsURL string) ([]ui.RoomRow, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	resp, err := relayGet(ctx, roomsURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, signaling.WrapError(signaling.TransportError, "list rooms",
			fmt.Errorf("unexpected status %s", resp.Status), roomsURL)
	}

	var body struct {
		Rooms []ui.RoomRow `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode room list: %w", err)
	}
	return body.Rooms, nil
}

// roomTaken reports whether the relay already has members in id. An
// unreachable relay counts as free; the join itself reports the failure.
func roomTaken(ctx context.Context, roomsURL, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	resp, err := relayGet(ctx, roomsURL+"/"+url.PathEscape(id))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
