package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/call"
	"mentorhub-realtime/internal/chat"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/presence"
	"mentorhub-realtime/internal/realtime"
	"mentorhub-realtime/internal/transport"
	"mentorhub-realtime/pkg/config"
	"mentorhub-realtime/pkg/env"
	"mentorhub-realtime/pkg/logger"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Named("realtime-cli")

	// 2. Resolve the local identity
	identity := domain.Identity{
		UserID:      uuid.New(),
		DisplayName: env.GetString("DISPLAY_NAME", "anonymous"),
		Role:        env.GetString("ROLE", "mentee"),
	}
	if raw := env.GetString("USER_ID", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Fatal("invalid USER_ID", zap.String("value", raw), zap.Error(err))
		}
		identity.UserID = id
	}

	// 3. Construct the realtime client
	client := realtime.New(cfg, realtime.Options{
		Media:  &call.StaticMediaProvider{},
		Logger: logger.Log,
	})

	wireCallbacks(client)

	// 4. Setup the local health/metrics endpoint
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"service":    cfg.Server.ServiceName,
			"connection": string(client.ConnectionState()),
			"time":       time.Now().UTC(),
		})
	})
	if cfg.Server.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("metrics endpoint listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics endpoint failed", zap.Error(err))
		}
	}()

	// 5. Connect
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.HandshakeTimeout)
	err = client.Connect(ctx, identity)
	cancel()
	if err != nil {
		log.Fatal("initial connect failed", zap.Error(err))
	}
	log.Info("connected",
		zap.String("user_id", identity.UserID.String()),
		zap.String("display_name", identity.DisplayName))

	// 6. Command loop on stdin until EOF or signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runCommandLoop(client)
	}()

	select {
	case <-quit:
	case <-done:
	}

	// 7. Graceful shutdown
	log.Info("shutting down")
	client.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics endpoint forced to shutdown", zap.Error(err))
	}
}

// wireCallbacks prints realtime events to the terminal
func wireCallbacks(client *realtime.Client) {
	client.OnConnectionStateChange(func(s transport.State) {
		fmt.Printf("* connection: %s\n", s)
	})
	client.OnPresenceDelta(func(d presence.Delta) {
		verb := "left"
		if d.Joined {
			verb = "joined"
		}
		fmt.Printf("* %s %s\n", d.User.DisplayName, verb)
	})
	client.SubscribeMessages(domain.GlobalScope, func(u chat.Update) {
		switch u.Change {
		case chat.ChangeCreated:
			fmt.Printf("[%s] %s: %s\n", u.Message.Delivery, u.Message.AuthorName, u.Message.Content)
		case chat.ChangeConfirmed:
			fmt.Printf("* delivered: %s\n", u.Message.Content)
		case chat.ChangeFailed:
			fmt.Printf("* failed: %s (retry <id> or discard <id>)\n", u.Message.Content)
		case chat.ChangeEdited:
			fmt.Printf("* edited by %s: %s\n", u.Message.AuthorName, u.Message.Content)
		}
	})
	client.OnCallStateChange(func(info domain.CallInfo) {
		switch info.State {
		case domain.CallStateIncomingRinging:
			fmt.Printf("* incoming %s call from %s (accept/reject)\n", info.Kind, info.RemoteName)
		case domain.CallStateActive:
			fmt.Println("* call active")
		case domain.CallStateIdle:
			if info.Reason != "" {
				fmt.Printf("* call ended: %s\n", info.Reason)
			}
		}
	})
}

func runCommandLoop(client *realtime.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: send <text> | who | msgs | retry <id> | discard <id> | call <user-id> [video] | accept | reject | hangup | quit")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")

		var err error
		switch cmd {
		case "send":
			_, err = client.SendMessage(domain.GlobalScope, rest, domain.MessageTypeText)
		case "who":
			for _, p := range client.Presence() {
				status := "offline"
				if p.IsOnline {
					status = "online"
				}
				fmt.Printf("  %s (%s)\n", p.DisplayName, status)
			}
		case "msgs":
			for _, m := range client.Messages(domain.GlobalScope) {
				fmt.Printf("  %s %s: %s\n", m.CreatedAt.Format("15:04:05"), m.AuthorName, m.Content)
			}
		case "retry":
			err = withParsedID(rest, client.RetryMessage)
		case "discard":
			err = withParsedID(rest, client.DiscardMessage)
		case "call":
			target, kindArg, _ := strings.Cut(rest, " ")
			kind := domain.CallKindAudio
			if kindArg == "video" {
				kind = domain.CallKindVideo
			}
			err = withParsedID(target, func(id uuid.UUID) error {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_, callErr := client.PlaceCall(ctx, id, kind)
				return callErr
			})
		case "accept":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = client.AcceptCall(ctx)
			cancel()
		case "reject":
			err = client.RejectCall()
		case "hangup":
			err = client.HangUp()
		case "quit":
			return
		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}

		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func withParsedID(raw string, fn func(uuid.UUID) error) error {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return fn(id)
}
