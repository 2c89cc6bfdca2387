package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xmpbee/xmpbee/internal/config"
	"github.com/xmpbee/xmpbee/internal/logging"
	"github.com/xmpbee/xmpbee/internal/session"
	"github.com/xmpbee/xmpbee/internal/store/kv"
	"github.com/xmpbee/xmpbee/internal/store/logstore"
	"github.com/xmpbee/xmpbee/internal/store/secret"
	"github.com/xmpbee/xmpbee/internal/xmppcore/disco"
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// consoleObserver prints every event to stdout; it stands in for the GUI
// shell collaborator that would normally drive a Supervisor.
type consoleObserver struct{}

func (consoleObserver) Connected(account string) {
	fmt.Printf("[%s] connected\n", account)
}

func (consoleObserver) Authenticated(account string, boundJID stanza.JID) {
	fmt.Printf("[%s] authenticated as %s\n", account, boundJID.String())
}

func (consoleObserver) Disconnected(account string, reason error) {
	fmt.Printf("[%s] disconnected: %v\n", account, reason)
}

func (consoleObserver) Message(account, room string, msg session.ChatMessage, isDelayed bool) {
	fmt.Printf("[%s] %s: %s\n", account, room, msg.Body)
}

func (consoleObserver) Presence(account, room string, delta session.OccupantDelta) {
	switch delta.Kind {
	case session.OccupantJoined:
		fmt.Printf("[%s] %s: %s joined\n", account, room, delta.Occupant.Nick)
	case session.OccupantLeft:
		fmt.Printf("[%s] %s: %s left\n", account, room, delta.Occupant.Nick)
	case session.OccupantFloodComplete:
		fmt.Printf("[%s] %s: %d occupants\n", account, room, len(delta.Snapshot))
	}
}

func (consoleObserver) RoomSubject(account, room, text string) {
	fmt.Printf("[%s] %s: topic set to %q\n", account, room, text)
}

func (consoleObserver) RoomList(account, service string, items []disco.Item) {
	fmt.Printf("[%s] rooms on %s:\n", account, service)
	for _, item := range items {
		fmt.Printf("  %s (%s)\n", item.JID, item.Name)
	}
}

func (consoleObserver) Error(account string, kind xmpperr.Kind, message string) {
	fmt.Printf("[%s] error (%s): %s\n", account, kind, message)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config(cfg.Logging)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}

	paths, err := config.GetPaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve data paths: %v\n", err)
		os.Exit(1)
	}
	if err := paths.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directories: %v\n", err)
		os.Exit(1)
	}

	secrets, err := secret.Open(filepath.Join(paths.DataDir, "secrets"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open secret store: %v\n", err)
		os.Exit(1)
	}

	settings, err := kv.Open(paths.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open settings store: %v\n", err)
		os.Exit(1)
	}
	defer settings.Close()

	logs := logstore.Open(paths.DataDir)
	defer logs.Close()

	sup := session.NewSupervisor(consoleObserver{}, secrets, logs, logging.Default())
	defer sup.Close()

	accounts, err := config.LoadAccounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load accounts: %v\n", err)
		os.Exit(1)
	}

	for _, acct := range accounts.Accounts {
		if !acct.AutoConnect {
			continue
		}
		if err := sup.AddAccount(acct); err != nil {
			fmt.Fprintf(os.Stderr, "failed to add account %s: %v\n", acct.JID, err)
		}
	}

	fmt.Println("xmpbee running; type 'quit' to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "quit" {
			break
		}
	}
}
