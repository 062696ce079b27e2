// Command loadtest drives the visit endpoint with two traffic shapes at once:
// a bot hammering one code from a fixed address and user agent, and organic
// visitors arriving from distinct devices. It prints how each was treated.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

type shape struct {
	name     string
	targeter vegeta.Targeter
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "service base URL")
	code := flag.String("code", "ABCD1234", "referral code to attack")
	rate := flag.Int("rate", 50, "requests per second per traffic shape")
	duration := flag.Duration("duration", 10*time.Second, "attack duration")
	flag.Parse()

	endpoint := fmt.Sprintf("%s/referral/v1/codes/%s/visits", *baseURL, *code)
	shapes := []shape{
		{name: "bot", targeter: botTargeter(endpoint)},
		{name: "organic", targeter: organicTargeter(endpoint)},
	}

	var wg sync.WaitGroup
	reports := make([]*vegeta.Metrics, len(shapes))
	for i, s := range shapes {
		wg.Add(1)
		go func(i int, s shape) {
			defer wg.Done()
			reports[i] = attack(s, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration)
		}(i, s)
	}
	wg.Wait()

	for i, s := range shapes {
		printReport(s.name, reports[i])
	}
}

func attack(s shape, rate vegeta.Rate, duration time.Duration) *vegeta.Metrics {
	attacker := vegeta.NewAttacker(vegeta.Timeout(5 * time.Second))
	var metrics vegeta.Metrics
	for res := range attacker.Attack(s.targeter, rate, duration, s.name) {
		metrics.Add(res)
	}
	metrics.Close()
	return &metrics
}

// botTargeter reuses one address and user agent but rotates device ids, the
// way a scripted client resets local storage between hits.
func botTargeter(endpoint string) vegeta.Targeter {
	return func(tgt *vegeta.Target) error {
		tgt.Method = http.MethodPost
		tgt.URL = endpoint
		tgt.Header = http.Header{
			"User-Agent":      []string{"python-requests/2.31"},
			"X-Forwarded-For": []string{"203.0.113.7"},
			"X-Device-Id":     []string{uuid.NewString()},
		}
		return nil
	}
}

func organicTargeter(endpoint string) vegeta.Targeter {
	return func(tgt *vegeta.Target) error {
		tgt.Method = http.MethodPost
		tgt.URL = endpoint
		tgt.Header = http.Header{
			"User-Agent":            []string{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"},
			"X-Forwarded-For":       []string{fmt.Sprintf("198.51.%d.%d", rand.Intn(255), 1+rand.Intn(254))},
			"X-Device-Id":           []string{uuid.NewString()},
			"X-Browser-Fingerprint": []string{uuid.NewString()},
			"X-Page-Load-Time":      []string{fmt.Sprint(1500 + rand.Intn(4000))},
		}
		return nil
	}
}

func printReport(name string, m *vegeta.Metrics) {
	if m.Requests == 0 {
		log.Printf("%s: no requests sent", name)
		return
	}
	accepted := m.StatusCodes["202"]
	blocked := m.StatusCodes["429"]
	total := float64(m.Requests)
	fmt.Fprintf(os.Stdout, "%-8s requests=%d accepted=%.1f%% blocked=%.1f%% p99=%s\n",
		name, m.Requests,
		100*float64(accepted)/total,
		100*float64(blocked)/total,
		m.Latencies.P99,
	)
}
