package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/store"
)

func runStats(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if len(args) > 0 {
		return statsPlayer(db, args[0])
	}
	return statsAll(db)
}

func statsAll(db *store.Store) error {
	accounts, err := db.GetAllAccounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts tracked yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPLAYTIME\tSESSIONS\tLAST SEEN\tONLINE")
	for _, a := range accounts {
		online := ""
		if a.Online() {
			online = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			a.DisplayName, formatDuration(a.Playtime), a.SessionCount,
			a.LastSeen.Local().Format("Jan 2 15:04"), online)
	}
	return w.Flush()
}

func statsPlayer(db *store.Store, name string) error {
	a, err := db.GetAccountByName(name)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("no account found for %q", name)
	}

	fmt.Printf("Player:     %s\n", a.DisplayName)
	fmt.Printf("Identifier: %s\n", a.Identifier)
	fmt.Printf("Playtime:   %s\n", formatDuration(a.Playtime))
	fmt.Printf("Sessions:   %d\n", a.SessionCount)
	fmt.Printf("First seen: %s\n", a.FirstSeen.Local().Format("Jan 2 2006 15:04"))
	fmt.Printf("Last seen:  %s\n", a.LastSeen.Local().Format("Jan 2 2006 15:04"))
	if a.Online() {
		fmt.Printf("Online:     yes (since %s)\n", a.SessionStart.Local().Format("15:04"))
	}

	entries, err := db.GetSessionLog(a.Identifier, 10)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Println("\nRecent sessions:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.StartedAt.Local().Format("Jan 2 15:04"), formatDuration(e.Duration), e.EndReason)
	}
	return w.Flush()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
