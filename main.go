package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"dolabb/api"
	"dolabb/config"
	"dolabb/database"
	"dolabb/handlers"
	"dolabb/logger"
	"dolabb/models"
	"dolabb/presence"
	"dolabb/socket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cache handlers.Cache
	if cfg.CachePath != "" {
		store, err := database.Open(cfg.CachePath)
		if err != nil {
			log.Warn("cache disabled", logger.Err(err))
		} else {
			defer store.Close()
			cache = store
		}
	}

	client := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Timeout: cfg.HTTPTimeout,
		Logger:  log,
	})
	manager := socket.NewManager(socket.Config{
		BaseURL:        cfg.WSBaseURL,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectBase:  cfg.ReconnectBase,
		MaxReconnects:  cfg.MaxReconnects,
		Presence:       presence.Default,
		Logger:         log,
	})

	// callbacks run on the socket reader, so redraws are handed to the main loop
	changes := make(chan handlers.Change, 16)
	session := handlers.NewSession(handlers.Config{
		User:             models.CurrentUser{ID: cfg.UserID, Role: cfg.UserRole},
		Transport:        manager,
		Backend:          client,
		Cache:            cache,
		Presence:         presence.Default,
		PageSize:         cfg.PageSize,
		OptimisticWindow: cfg.OptimisticWindow,
		RefetchInterval:  cfg.RefetchInterval,
		Logger:           log,
		OnNotice: func(n handlers.Notice) {
			if n.Blocking {
				fmt.Printf("!! %s: %s\n", n.Kind, n.Text)
				stop()
				return
			}
			fmt.Printf("! %s: %s\n", n.Kind, n.Text)
		},
		OnChange: func(c handlers.Change) {
			if c.Kind != handlers.ChangeMessages {
				return
			}
			select {
			case changes <- c:
			default:
			}
		},
	})
	defer session.Close()

	convs, err := session.LoadConversations(ctx)
	if err != nil {
		log.Warn("conversation list unavailable", logger.Err(err))
	}
	for _, c := range convs {
		printConversation(c)
	}

	if cfg.ConversationID != "" {
		if err := session.OpenConversation(ctx, cfg.ConversationID, nil, nil); err != nil {
			log.Warn("open conversation failed", logger.Conversation(cfg.ConversationID), logger.Err(err))
		}
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-changes:
			printLog(session)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := run(ctx, session, line); err != nil {
				log.Warn("command failed", logger.Err(err))
			}
		}
	}
}

// run executes one input line. Lines not starting with / are sent as text.
func run(ctx context.Context, s *handlers.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.SendText(ctx, line)
		return err
	}

	args := strings.Fields(line)
	switch args[0] {
	case "/list":
		for _, c := range s.Conversations() {
			printConversation(c)
		}
	case "/open":
		if len(args) < 2 {
			return fmt.Errorf("usage: /open <conversation>")
		}
		return s.OpenConversation(ctx, args[1], nil, nil)
	case "/close":
		s.CloseChat()
	case "/more":
		loaded, err := s.LoadMore(ctx)
		if err != nil {
			return err
		}
		h := s.History()
		switch {
		case h.Loading:
			fmt.Println("(still loading)")
		case !loaded && !h.HasMore:
			fmt.Println("(beginning of conversation)")
		default:
			fmt.Printf("(page %d loaded)\n", h.Page)
		}
	case "/retry":
		return s.Retry(ctx)
	case "/offer":
		if len(args) < 3 {
			return fmt.Errorf("usage: /offer <product> <amount> [text]")
		}
		amount, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return err
		}
		_, err = s.SendOffer(ctx, handlers.OfferRequest{ProductID: args[1], Amount: amount, Text: strings.Join(args[3:], " ")})
		return err
	case "/counter":
		if len(args) < 3 {
			return fmt.Errorf("usage: /counter <offer> <amount> [text]")
		}
		amount, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return err
		}
		_, err = s.CounterOffer(ctx, args[1], amount, strings.Join(args[3:], " "))
		return err
	case "/accept", "/reject":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <offer> [text]", args[0])
		}
		text := strings.Join(args[2:], " ")
		if args[0] == "/accept" {
			return s.AcceptOffer(ctx, args[1], text)
		}
		return s.RejectOffer(ctx, args[1], text)
	default:
		return fmt.Errorf("unknown command %s", args[0])
	}
	return nil
}

func printConversation(c models.Conversation) {
	online := " "
	if c.OtherUser.IsOnline {
		online = "*"
	}
	fmt.Printf("%s %-24s %-16s unread=%d  %s\n", online, c.ChannelID(), c.OtherUser.Username, c.UnreadCount, c.LastMessage)
}

func printLog(s *handlers.Session) {
	fmt.Println("----")
	states := s.Offers()
	for _, m := range s.Messages() {
		mark := ""
		if m.IsOptimistic() {
			mark = " (sending)"
		}
		if m.Offer != nil {
			st := states[m.OfferID]
			fmt.Printf("[%s] %s offer %s %.2f %s actions=%v%s\n", m.RawTimestamp, m.Sender, m.OfferID, m.Offer.OfferAmount, st.DisplayStatus, s.Actions(m.OfferID), mark)
			continue
		}
		fmt.Printf("[%s] %s: %s%s\n", m.RawTimestamp, m.Sender, m.Text, mark)
	}
}
