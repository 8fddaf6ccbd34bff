// Command repl-check verifies that writes on a master reach a replica. It
// writes a marker key on the master, waits for it to show up on the replica
// and prints the replication section of both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Endpoint is one side of the comparison
type Endpoint struct {
	Name   string
	Addr   string
	client *redis.Client
}

func main() {
	var masterAddr = flag.String("master", "", "Master endpoint (host:port)")
	var replicaAddr = flag.String("replica", "", "Replica endpoint (host:port)")
	var key = flag.String("key", "repl-check:marker", "Marker key written on the master")
	var timeout = flag.Duration("timeout", 5*time.Second, "How long to wait for the marker on the replica")
	var helpFlag = flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *helpFlag || *masterAddr == "" || *replicaAddr == "" {
		fmt.Println("Replication Check Tool")
		fmt.Println("======================")
		fmt.Println("Usage: repl-check --master=host:port --replica=host:port [--key=name] [--timeout=5s]")
		fmt.Println("")
		fmt.Println("Example:")
		fmt.Println("  repl-check --master=localhost:6379 --replica=localhost:6380")
		os.Exit(0)
	}

	log := logrus.New()

	master := newEndpoint("master", *masterAddr)
	defer master.client.Close()
	replica := newEndpoint("replica", *replicaAddr)
	defer replica.client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	value := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := master.client.Set(ctx, *key, value, time.Minute).Err(); err != nil {
		log.WithError(err).WithField("addr", master.Addr).Fatal("Failed to write marker key")
	}

	lag, err := waitForValue(ctx, replica.client, *key, value, *timeout)
	if err != nil {
		log.WithError(err).WithField("addr", replica.Addr).Error("Marker did not replicate")
	} else {
		fmt.Printf("Marker %s replicated in %v\n\n", *key, lag.Round(time.Millisecond))
	}

	for _, ep := range []*Endpoint{master, replica} {
		info, infoErr := ep.client.Info(ctx, "replication").Result()
		if infoErr != nil {
			log.WithError(infoErr).WithField("addr", ep.Addr).Error("INFO failed")
			continue
		}
		printInfo(ep, parseInfo(info))
	}

	if err != nil {
		os.Exit(1)
	}
}

func newEndpoint(name, addr string) *Endpoint {
	return &Endpoint{
		Name: name,
		Addr: addr,
		client: redis.NewClient(&redis.Options{
			Addr:            addr,
			Protocol:        2,
			DisableIdentity: true,
			DialTimeout:     5 * time.Second,
		}),
	}
}

// waitForValue polls key on client until it holds want
func waitForValue(ctx context.Context, client *redis.Client, key, want string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		got, err := client.Get(ctx, key).Result()
		switch {
		case err == nil && got == want:
			return time.Since(start), nil
		case err != nil && !errors.Is(err, redis.Nil):
			return 0, err
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("key %q not replicated within %v", key, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// parseInfo splits an INFO reply into its field:value pairs
func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			fields[name] = value
		}
	}
	return fields
}

func printInfo(ep *Endpoint, fields map[string]string) {
	fmt.Printf("%s (%s):\n", ep.Name, ep.Addr)
	for _, name := range []string{"role", "master_replid", "master_repl_offset"} {
		if value, ok := fields[name]; ok {
			fmt.Printf("  %s: %s\n", name, value)
		}
	}
}
