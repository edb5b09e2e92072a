// Package synthetic is an in-process engine that moves agents over a network
// file along random paths. It produces the same kinds of events a real
// engine does, without any traffic semantics.
package synthetic

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/event"
)

const (
	maxHops  = 12
	dayStart = 6 * 3600.0
)

type Network struct {
	Nodes []Node `xml:"nodes>node"`
	Links []Link `xml:"links>link"`
}

type Node struct {
	ID string  `xml:"id,attr"`
	X  float64 `xml:"x,attr"`
	Y  float64 `xml:"y,attr"`
}

type Link struct {
	ID        string  `xml:"id,attr"`
	From      string  `xml:"from,attr"`
	To        string  `xml:"to,attr"`
	Length    float64 `xml:"length,attr"`
	Freespeed float64 `xml:"freespeed,attr"`
}

// ParseNetwork reads a network file with <nodes> and <links> sections.
func ParseNetwork(path string) (Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return Network{}, fmt.Errorf("opening network: %w", err)
	}
	defer f.Close()

	var n Network
	if err := xml.NewDecoder(f).Decode(&n); err != nil {
		return Network{}, fmt.Errorf("parsing network %s: %w", path, err)
	}
	if len(n.Links) == 0 {
		return Network{}, errors.New("network has no links")
	}
	return n, nil
}

type Engine struct {
	agents    int
	stepDelay time.Duration
}

// New returns an engine simulating agents agents, pausing stepDelay after
// every link traversal.
func New(agents int, stepDelay time.Duration) *Engine {
	if agents < 1 {
		agents = 1
	}
	return &Engine{agents: agents, stepDelay: stepDelay}
}

func (e *Engine) Run(ctx context.Context, spec engine.Spec, cb engine.Callbacks) error {
	network, err := ParseNetwork(spec.Network)
	if err != nil {
		return err
	}
	out := make(map[string][]Link, len(network.Nodes))
	for _, l := range network.Links {
		out[l.From] = append(out[l.From], l)
	}

	rng := rand.New(rand.NewPCG(uint64(spec.Seed), 0x5eed))
	iterations := max(spec.Iterations, 1)
	for it := range iterations {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iteration %d: %w", it, err)
		}
		cb.IterationStart(it)
		for a := range e.agents {
			if err := e.trip(ctx, rng, network.Links, out, "p"+strconv.Itoa(a), cb); err != nil {
				return fmt.Errorf("iteration %d: %w", it, err)
			}
		}
	}
	return nil
}

func (e *Engine) trip(ctx context.Context, rng *rand.Rand, links []Link, out map[string][]Link, person string, cb engine.Callbacks) error {
	link := links[rng.IntN(len(links))]
	now := dayStart + rng.Float64()*3*3600
	emit := func(typ string, attrs map[string]string) {
		cb.Event(event.Raw{Type: typ, Time: now, Attributes: attrs})
	}
	vehicle := map[string]string{"person": person, "vehicle": person, "link": link.ID}

	emit("h", map[string]string{"person": person, "link": link.ID, "actType": "home"})
	emit("actend", map[string]string{"person": person, "link": link.ID, "actType": "home"})
	emit("departure", map[string]string{"person": person, "link": link.ID, "legMode": "car"})
	emit("PersonEntersVehicle", vehicle)
	emit("vehicle enters traffic", vehicle)

	hops := 1 + rng.IntN(maxHops)
	for range hops {
		next := out[link.To]
		if len(next) == 0 {
			break
		}
		if err := e.pause(ctx); err != nil {
			return err
		}
		now += travelTime(link)
		emit("left link", map[string]string{"person": person, "vehicle": person, "link": link.ID})
		link = next[rng.IntN(len(next))]
		emit("entered link", map[string]string{"person": person, "vehicle": person, "link": link.ID})
	}

	vehicle = map[string]string{"person": person, "vehicle": person, "link": link.ID}
	emit("vehicle leaves traffic", vehicle)
	emit("PersonLeavesVehicle", vehicle)
	emit("arrival", map[string]string{"person": person, "link": link.ID, "legMode": "car"})
	emit("actstart", map[string]string{"person": person, "link": link.ID, "actType": "work"})
	emit("w", map[string]string{"person": person, "link": link.ID, "actType": "work"})
	return nil
}

func (e *Engine) pause(ctx context.Context) error {
	if e.stepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.stepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func travelTime(l Link) float64 {
	if l.Length <= 0 || l.Freespeed <= 0 {
		return 10
	}
	return l.Length / l.Freespeed
}
