package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

const botPassword = "loadtest-password"

var errMessageRejected = errors.New("message rejected")

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// generateUsername combines fragments of two random words with the bot ID,
// so names stay unique across bots and valid as account names
func generateUsername(id int) string {
	frag := func(word string) string {
		n := 3 + rand.Intn(4)
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}
	name := fmt.Sprintf("%s%s_%d", frag(loremWords[rand.Intn(len(loremWords))]), frag(loremWords[rand.Intn(len(loremWords))]), id)
	if len(name) > 32 {
		name = name[len(name)-32:]
	}
	return name
}

func randomMessage() string {
	n := 3 + rand.Intn(15)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that successfully connected and started running

	// Detailed failure tracking
	postRejected   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	rateLimited    atomic.Int64

	// Connect and setup failure breakdown
	connectDialFailed   atomic.Int64
	connectSignupFailed atomic.Int64
	connectLoginFailed  atomic.Int64
	setupJoinFailed     atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

// recordPostError classifies a failed SendMessage
func (s *Stats) recordPostError(err error) {
	s.messagesFailed.Add(1)

	var serverErr *client.ServerError
	switch {
	case errors.As(err, &serverErr):
		s.rateLimited.Add(1)
	case client.IsTimeout(err):
		s.timeouts.Add(1)
	default:
		s.disconnections.Add(1)
	}
}

func (s *Stats) snapshot() (posted, failed, received, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient represents a fake chat user for load testing
type BotClient struct {
	id         int
	serverAddr string
	username   string
	room       string
	token      string
	conn       *client.Connection
	stats      *Stats
}

func NewBotClient(id int, serverAddr, room string, stats *Stats) *BotClient {
	return &BotClient{
		id:         id,
		serverAddr: serverAddr,
		username:   generateUsername(id),
		room:       room,
		stats:      stats,
	}
}

// Connect dials the server, registers the bot's account and logs in
func (bc *BotClient) Connect() error {
	conn, err := client.Dial(bc.serverAddr)
	if err != nil {
		bc.stats.connectDialFailed.Add(1)
		return err
	}
	conn.SetLogger(debugLogger)
	bc.conn = conn

	ok, err := conn.CreateLogin(bc.username, botPassword)
	if err != nil || !ok {
		bc.stats.connectSignupFailed.Add(1)
		return fmt.Errorf("signup as %s failed: %v", bc.username, err)
	}

	token, err := conn.Login(bc.username, botPassword)
	if err != nil {
		bc.stats.connectLoginFailed.Add(1)
		return fmt.Errorf("login as %s failed: %w", bc.username, err)
	}
	bc.token = token
	return nil
}

// Setup makes sure the shared room exists and joins it
func (bc *BotClient) Setup() error {
	rooms, err := bc.conn.ListChatrooms(bc.token)
	if err != nil {
		bc.stats.setupJoinFailed.Add(1)
		return err
	}

	exists := false
	for _, r := range rooms {
		if r == bc.room {
			exists = true
			break
		}
	}
	if !exists {
		// Losing the race to another bot is fine
		if _, err := bc.conn.CreateChatroom(bc.token, bc.room, true); err != nil {
			bc.stats.setupJoinFailed.Add(1)
			return err
		}
	}

	ok, err := bc.conn.JoinChatroom(bc.token, bc.room, bc.username)
	if err != nil || !ok {
		bc.stats.setupJoinFailed.Add(1)
		return fmt.Errorf("join %s failed: %v", bc.room, err)
	}
	return nil
}

// PostRandomMessage sends one message to the room and records its latency
func (bc *BotClient) PostRandomMessage() error {
	start := time.Now()
	ok, err := bc.conn.SendMessage(bc.token, bc.room, randomMessage())
	if err != nil {
		bc.stats.recordPostError(err)
		return err
	}
	if !ok {
		bc.stats.messagesFailed.Add(1)
		bc.stats.postRejected.Add(1)
		return errMessageRejected
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

// DrainMessages consumes room traffic fanned out by the other bots
func (bc *BotClient) DrainMessages() error {
	for {
		_, err := bc.conn.NextMessage(time.Millisecond)
		if err != nil {
			if client.IsTimeout(err) {
				return nil
			}
			return err
		}
		bc.stats.messagesReceived.Add(1)
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.conn.Logout(bc.token)
		bc.conn.Close()

		// Record disconnect time
		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); err != nil && !client.IsTimeout(err) {
			var serverErr *client.ServerError
			if !errors.As(err, &serverErr) && !errors.Is(err, errMessageRejected) {
				debugLogger.Printf("[Bot %d] giving up: %v", bc.id, err)
				return
			}
		}
		if err := bc.DrainMessages(); err != nil {
			debugLogger.Printf("[Bot %d] read failed: %v", bc.id, err)
			return
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port, tls://, ws:// or wss://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	room := flag.String("room", fmt.Sprintf("loadtest_%d", time.Now().Unix()%100000), "Public chatroom the bots share")
	flag.Parse()

	if *numClients <= 0 {
		fmt.Fprintln(os.Stderr, "clients must be positive")
		os.Exit(1)
	}

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Room: %s", *room)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					posted, float64(posted)/elapsed, received, failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	disconnectTimes := make(chan time.Time, *numClients)
	var firstConnect, lastConnect atomic.Value
	rampUpStart := time.Now()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, *room, stats)
			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				if bot.conn != nil {
					bot.conn.Close()
				}
				return
			}
			if err := bot.Setup(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] setup failed: %v", id, err)
				bot.conn.Close()
				return
			}

			stats.successfulClients.Add(1)
			now := time.Now()
			firstConnect.CompareAndSwap(nil, now)
			lastConnect.Store(now)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping stats...")
		stop()
	}()

	wg.Wait()
	stop()
	close(disconnectTimes)

	if first, ok := firstConnect.Load().(time.Time); ok {
		last := lastConnect.Load().(time.Time)
		log.Printf("Ramp-up: expected %v, took %v (first connect %v after start)",
			rampUpDuration.Round(time.Second), last.Sub(first).Round(time.Second), first.Sub(rampUpStart).Round(time.Millisecond))
	}

	var firstDisconnect, lastDisconnect time.Time
	for t := range disconnectTimes {
		if firstDisconnect.IsZero() {
			firstDisconnect = t
		}
		lastDisconnect = t
	}
	if !firstDisconnect.IsZero() {
		log.Printf("Ramp-down: expected %v, took %v",
			rampUpDuration.Round(time.Second), lastDisconnect.Sub(firstDisconnect).Round(time.Second))
	}

	// Final stats
	posted, failed, received, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/duration.Seconds())
	log.Printf("Messages received: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Rejected: %d", stats.postRejected.Load())
	log.Printf("  - Rate limited: %d", stats.rateLimited.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", stats.connectDialFailed.Load())
		log.Printf("  - Signup failed: %d", stats.connectSignupFailed.Load())
		log.Printf("  - Login failed: %d", stats.connectLoginFailed.Load())
		log.Printf("  - Join failed: %d", stats.setupJoinFailed.Load())
	}
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
}
