// Command client is a headless famcall endpoint: it connects to the
// signaling server, joins its room and drives calls from stdin. Media
// is synthetic; the point is exercising signaling, negotiation and
// call-session behavior end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/adapters/rtc"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/client"
	"github.com/famcall/famcall/internal/domain"
)

type printNotifier struct{}

func (printNotifier) IncomingCall(from domain.UserID, displayName string) {
	fmt.Printf("\n*** incoming call from %s (%s): accept | decline\n> ", displayName, from)
}

type contact struct {
	name string
	role domain.Role
}

// staticDirectory is the flag-configured contact list. Role lookup
// feeds the permission policy, so a misconfigured roster only ever
// errs on the restrictive side for dependents.
type staticDirectory map[domain.UserID]contact

func (d staticDirectory) Resolve(id domain.UserID) (string, domain.Role, bool) {
	c, ok := d[id]
	if !ok {
		return "", "", false
	}
	return c.name, c.role, true
}

// parseContacts reads "id=role:name,id=role" entries; the name falls
// back to the id.
func parseContacts(s string) (staticDirectory, error) {
	dir := make(staticDirectory)
	if s == "" {
		return dir, nil
	}
	for _, entry := range strings.Split(s, ",") {
		id, rest, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("contact %q: want id=role[:name]", entry)
		}
		roleStr, name, hasName := strings.Cut(rest, ":")
		role := domain.Role(roleStr)
		if !role.Valid() {
			return nil, fmt.Errorf("contact %q: unknown role %q", entry, roleStr)
		}
		if !hasName || name == "" {
			name = id
		}
		dir[domain.UserID(id)] = contact{name: name, role: role}
	}
	return dir, nil
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:4000", "signaling server base URL")
		token       = flag.String("token", "", "auth token")
		constrained = flag.Bool("constrained", false, "constrained network profile (polling first, longer grace)")
		contacts    = flag.String("contacts", "", "known peers, id=role[:name] comma-separated")
	)
	flag.Parse()

	directory, err := parseContacts(*contacts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -contacts: %v\n", err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if *token == "" {
		fmt.Fprintln(os.Stderr, "usage: client -token <token> [-url ...] [-constrained]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	profile := call.Profile{Constrained: *constrained}
	conn := client.New(client.Config{URL: *url, Token: *token, Profile: profile})

	if err := conn.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	ident := conn.Identity()
	fmt.Printf("connected as %s (%s) via %s\n", ident.UserID, ident.Role, conn.TransportName())

	mgr := call.NewManager(
		call.Config{Profile: profile},
		domain.User{ID: ident.UserID, Role: ident.Role},
		call.Deps{
			Sender:    conn,
			Media:     rtc.NewSyntheticProvider(),
			Negotiate: rtc.Factory(rtc.DefaultWebRTCConfig()),
			Directory: directory,
			Notifier:  printNotifier{},
		},
	)
	go mgr.Run(ctx)
	conn.OnSignal(mgr.HandleSignal)
	conn.OnDown(func(err error) {
		fmt.Fprintf(os.Stderr, "\nconnection lost: %v\n", err)
		cancel()
	})
	go conn.Run(ctx)

	if err := conn.JoinRoom(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "join room: %v\n", err)
		os.Exit(1)
	}

	mgr.Subscribe(func(s call.Snapshot) {
		fmt.Printf("\ncall %s: %s\n> ", s.CallID, s.State)
	})

	fmt.Println("commands: dial <userId> | accept | decline | cancel | hangup | status | quit")
	repl(ctx, cancel, mgr)
	conn.Close()
}

func repl(ctx context.Context, cancel context.CancelFunc, mgr *call.Manager) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		cmdCtx, cmdCancel := context.WithTimeout(ctx, 10*time.Second)
		var err error
		switch fields[0] {
		case "dial":
			if len(fields) != 2 {
				err = fmt.Errorf("usage: dial <userId>")
				break
			}
			err = mgr.Dial(cmdCtx, domain.UserID(fields[1]))
		case "accept":
			err = mgr.Accept(cmdCtx)
		case "decline":
			err = mgr.Decline(cmdCtx)
		case "cancel":
			err = mgr.Cancel(cmdCtx)
		case "hangup":
			err = mgr.Hangup(cmdCtx)
		case "status":
			if snap, ok := mgr.Current(cmdCtx); ok {
				fmt.Printf("%s %s with %s (%s)\n", snap.Direction, snap.State, snap.Peer, snap.CallID)
			} else {
				fmt.Println("no call")
			}
		case "quit", "exit":
			cmdCancel()
			cancel()
			return
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		cmdCancel()

		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
}
