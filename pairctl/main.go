package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/wardline/pair"
)

const PairCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pair control.

Environment (a .env file in the working directory is loaded if present):
    PAIR_API_URL    store api url, default https://api.wardline.com
    PAIR_WS_URL     change feed url, default wss://sync.wardline.com
    PAIR_TOKEN      session token. prompted for if not set.

Usage:
    pairctl connections [--api_url=<api_url>] [--jwt=<jwt>] [--watch]
    pairctl invite [--api_url=<api_url>] [--jwt=<jwt>] --phone=<phone>
    pairctl invitations [--api_url=<api_url>] [--jwt=<jwt>]
    pairctl accept [--api_url=<api_url>] [--jwt=<jwt>] <invitation_id>
    pairctl reject [--api_url=<api_url>] [--jwt=<jwt>] <invitation_id>
    pairctl generate-code [--api_url=<api_url>] [--jwt=<jwt>] [--ttl=<ttl>]
    pairctl redeem-code [--api_url=<api_url>] [--jwt=<jwt>] <code>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --api_url=<api_url>
    --jwt=<jwt>          Your session token.
    --phone=<phone>      Invitee phone number.
    --ttl=<ttl>          Code lifetime, e.g. 30m, 1h.
    --watch              Keep running and reprint on changes.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PairCtlVersion)
	if err != nil {
		panic(err)
	}

	godotenv.Load()

	if connections_, _ := opts.Bool("connections"); connections_ {
		connections(opts)
	} else if invite_, _ := opts.Bool("invite"); invite_ {
		invite(opts)
	} else if invitations_, _ := opts.Bool("invitations"); invitations_ {
		invitations(opts)
	} else if accept_, _ := opts.Bool("accept"); accept_ {
		accept(opts)
	} else if reject_, _ := opts.Bool("reject"); reject_ {
		reject(opts)
	} else if generateCode_, _ := opts.Bool("generate-code"); generateCode_ {
		generateCode(opts)
	} else if redeemCode_, _ := opts.Bool("redeem-code"); redeemCode_ {
		redeemCode(opts)
	}
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId      pair.Id
	store       *pair.HttpRemoteStore
	connections *pair.ConnectionStore
}

func newSession(opts docopt.Opts) *session {
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = os.Getenv("PAIR_API_URL")
	}
	if apiUrl == "" {
		apiUrl = "https://api.wardline.com"
	}
	wsUrl := os.Getenv("PAIR_WS_URL")
	if wsUrl == "" {
		wsUrl = "wss://sync.wardline.com"
	}

	jwt, _ := opts.String("--jwt")
	if jwt == "" {
		jwt = os.Getenv("PAIR_TOKEN")
	}
	if jwt == "" {
		fmt.Fprint(os.Stderr, "Session token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read token (%s).", err)
		}
		jwt = strings.TrimSpace(string(tokenBytes))
	}

	sessionToken, err := pair.ParseSessionTokenUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid session token (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	store := pair.NewHttpRemoteStoreWithDefaults(cancelCtx, apiUrl, wsUrl, jwt)
	connectionStore := pair.NewConnectionStoreWithDefaults(cancelCtx, sessionToken.UserId, store)
	return &session{
		ctx:         cancelCtx,
		cancel:      cancel,
		userId:      sessionToken.UserId,
		store:       store,
		connections: connectionStore,
	}
}

func (self *session) close() {
	self.connections.Close()
	self.store.Close()
	self.cancel()
}

func (self *session) invitationManager() *pair.InvitationManager {
	return pair.NewInvitationManagerWithDefaults(
		self.ctx,
		self.store,
		self.connections,
		pair.NewLogNotificationDispatcher(),
		nil,
	)
}

func connections(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	if err := s.connections.Refresh(s.ctx); err != nil {
		Err.Fatalf("Refresh failed (%s).", err)
	}

	watch_, _ := opts.Bool("--watch")
	if !watch_ {
		printConnections(s.connections)
		return
	}

	reconciler := pair.NewChangeReconcilerWithDefaults(s.ctx, s.store, s.connections)
	reconciler.Start()
	defer reconciler.Stop()

	for {
		notify := s.connections.UpdateMonitor().NotifyChannel()
		printConnections(s.connections)
		select {
		case <-s.ctx.Done():
			return
		case <-notify:
		}
	}
}

func printConnections(connectionStore *pair.ConnectionStore) {
	presence := pair.NewPresenceEvaluatorWithDefaults()
	connections := connectionStore.Connections()
	if len(connections) == 0 {
		Out.Printf("No connections.")
		return
	}
	for _, connection := range connections {
		line := fmt.Sprintf("%s  %s  %s", connection.ConnectionId, connection.PeerDisplayName, presence.Evaluate(connection))
		if location := connection.Location(); location != nil {
			line += fmt.Sprintf("  %.5f,%.5f", location.Latitude, location.Longitude)
			if connection.Address != "" {
				line += "  " + connection.Address
			}
		}
		if !connection.LocationSharingEnabled {
			line += "  (sharing off)"
		}
		Out.Printf("%s", line)
	}
}

func invite(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	phone, _ := opts.String("--phone")
	outcome, invitation, err := s.invitationManager().SendInvitation(s.ctx, phone)
	if err != nil {
		Err.Fatalf("Invite failed (%s).", err)
	}
	switch outcome {
	case pair.InviteOutcomeSent:
		Out.Printf("Invitation sent (%s), expires %s.", invitation.InvitationId, invitation.ExpireTime.Format(time.RFC3339))
	case pair.InviteOutcomeAlreadyConnected:
		Out.Printf("Already connected.")
	case pair.InviteOutcomeAlreadyInvited:
		Out.Printf("Already invited.")
	}
}

func invitations(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	manager := s.invitationManager()
	pending, err := manager.PendingInvitations(s.ctx)
	if err != nil {
		Err.Fatalf("Could not list invitations (%s).", err)
	}
	if len(pending) == 0 {
		Out.Printf("No pending invitations.")
		return
	}
	for _, invitation := range pending {
		Out.Printf("%s  from %s  expires %s", invitation.InvitationId, invitation.InviterDisplayName, invitation.ExpireTime.Format(time.RFC3339))
	}
}

func accept(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	invitationIdStr, _ := opts.String("<invitation_id>")
	invitationId, err := pair.ParseId(invitationIdStr)
	if err != nil {
		Err.Fatalf("Invalid invitation_id (%s).", err)
	}
	if err := s.invitationManager().AcceptInvitation(s.ctx, invitationId); err != nil {
		Err.Fatalf("Accept failed (%s).", err)
	}
	Out.Printf("Accepted.")
}

func reject(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	invitationIdStr, _ := opts.String("<invitation_id>")
	invitationId, err := pair.ParseId(invitationIdStr)
	if err != nil {
		Err.Fatalf("Invalid invitation_id (%s).", err)
	}
	if err := s.invitationManager().RejectInvitation(s.ctx, invitationId); err != nil {
		Err.Fatalf("Reject failed (%s).", err)
	}
	Out.Printf("Rejected.")
}

func generateCode(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	settings := pair.DefaultCodeExchangeManagerSettings()
	if ttlStr, err := opts.String("--ttl"); err == nil && ttlStr != "" {
		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			Err.Fatalf("Invalid ttl (%s).", err)
		}
		settings.CodeExpireTimeout = ttl
	}

	manager := pair.NewCodeExchangeManager(s.ctx, s.store, s.connections, nil, settings)
	code, err := manager.GenerateCode(s.ctx)
	if err != nil {
		Err.Fatalf("Could not generate code (%s).", err)
	}
	Out.Printf("%s  expires %s", code.Code, code.ExpireTime.Format(time.RFC3339))
}

func redeemCode(opts docopt.Opts) {
	s := newSession(opts)
	defer s.close()

	code, _ := opts.String("<code>")
	manager := pair.NewCodeExchangeManagerWithDefaults(s.ctx, s.store, s.connections, nil)
	outcome, err := manager.RedeemCode(s.ctx, code)
	if err != nil {
		Err.Fatalf("Redeem failed (%s).", err)
	}
	switch outcome {
	case pair.RedeemOutcomeConnected:
		Out.Printf("Connected.")
	case pair.RedeemOutcomeAlreadyConnected:
		Out.Printf("Already connected.")
	case pair.RedeemOutcomeInvalid:
		Out.Printf("Code is invalid or expired.")
	}
}
