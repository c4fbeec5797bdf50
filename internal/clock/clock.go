// Package clock formats wall-clock times for channel names.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Layout renders hours without padding and a 12-hour suffix ("9:05 PM").
const Layout = "3:04 PM"

// Clock is the source of "now"; tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Fixed always reports t.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

var zones sync.Map // zone name -> *time.Location

// Location resolves an IANA zone name, caching successful lookups.
func Location(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return nil, fmt.Errorf("time zone is empty")
	}
	if v, ok := zones.Load(zone); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", zone, err)
	}
	zones.Store(zone, loc)
	return loc, nil
}

// ValidZone reports whether zone is a loadable IANA zone name.
// "Local" is rejected: its meaning depends on the host.
func ValidZone(zone string) bool {
	if strings.EqualFold(strings.TrimSpace(zone), "local") {
		return false
	}
	_, err := Location(zone)
	return err == nil
}

// Format renders t in zone using Layout.
func Format(t time.Time, zone string) (string, error) {
	loc, err := Location(zone)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(Layout), nil
}

// ChannelName is the display name a labeled channel should carry at t.
func ChannelName(label string, t time.Time, zone string) (string, error) {
	s, err := Format(t, zone)
	if err != nil {
		return "", err
	}
	return label + ": " + s, nil
}
