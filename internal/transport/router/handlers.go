package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timechanbot/internal/clock"
	"timechanbot/internal/targets"
	"timechanbot/internal/task/batch"
	kit "timechanbot/internal/transport"
	logx "timechanbot/pkg/logx"
)

const noConfigurations = "No channel configurations found for this server."

func (m *Manager) builtins() []Command {
	return []Command{
		{
			Name:        "setchannel",
			Usage:       "setchannel <label> <channelId> <timezone>",
			Description: "Show the time in <timezone> as the name of a voice channel.",
			Mutating:    true,
			Handle:      m.setChannel,
		},
		{
			Name:        "removechannel",
			Usage:       "removechannel <label>",
			Description: "Stop updating the channel configured as <label>.",
			Mutating:    true,
			Handle:      m.removeChannel,
		},
		{
			Name:        "listchannels",
			Usage:       "listchannels",
			Description: "List this server's time channels.",
			Handle:      m.listChannels,
		},
		{
			Name:        "updatenow",
			Usage:       "updatenow",
			Description: "Update this server's time channels right away.",
			Mutating:    true,
			Handle:      m.updateNow,
		},
		{
			Name:        "status",
			Usage:       "status",
			Description: "Show refresh cycle state and failing channels.",
			Handle:      m.status,
		},
		{
			Name:        "help",
			Usage:       "help",
			Description: "Show this list.",
			Handle:      m.help,
		},
	}
}

func actor(req *Request) targets.Actor {
	return targets.Actor{ID: req.Message.AuthorID, Name: req.Message.AuthorName}
}

func (m *Manager) setChannel(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return reject(fmt.Sprintf("Usage: `%[1]ssetchannel <label> <channelId> <timezone>`\nExample: `%[1]ssetchannel PST 123456789012345678 America/Los_Angeles`", req.Prefix))
	}
	label, channelID, zone := req.Args[0], req.Args[1], req.Args[2]

	if !clock.ValidZone(zone) {
		return reject(fmt.Sprintf("Invalid timezone provided: `%s`.", zone))
	}

	t, err := m.deps.Platform.ResolveTarget(ctx, channelID)
	switch {
	case errors.Is(err, kit.ErrTargetNotFound):
		return reject(fmt.Sprintf("No channel found with ID: `%s`.", channelID))
	case err != nil:
		req.Logger.Warn("channel lookup failed", logx.String("channel", channelID), logx.Err(err))
		return reject(fmt.Sprintf("Error fetching channel with ID: `%s`.", channelID))
	}
	// A channel of another server cannot be bound here.
	if t.GroupID != req.GuildID {
		return reject(fmt.Sprintf("No channel found with ID: `%s`.", channelID))
	}
	if t.Kind != kit.TargetVoice {
		return reject("Please provide a valid **voice channel** ID.")
	}

	e := targets.Entry{GroupID: req.GuildID, Label: label, TargetID: channelID, TimeZone: zone}
	if err := m.deps.Registry.Add(ctx, e, actor(req)); err != nil {
		if errors.Is(err, targets.ErrInvalidLabel) {
			return reject(fmt.Sprintf("Usage: `%ssetchannel <label> <channelId> <timezone>`", req.Prefix))
		}
		return err
	}
	m.reply(ctx, req, fmt.Sprintf("Configured **%s** → Voice Channel **%s** with timezone **%s** for this server.", label, channelID, zone))
	return nil
}

func (m *Manager) removeChannel(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return reject(fmt.Sprintf("Usage: `%sremovechannel <label>`", req.Prefix))
	}
	label := req.Args[0]
	removed, err := m.deps.Registry.Remove(ctx, req.GuildID, label, actor(req))
	if err != nil {
		return err
	}
	if !removed {
		m.reply(ctx, req, fmt.Sprintf("No configuration found for label: **%s** for this server.", label))
		return nil
	}
	m.reply(ctx, req, fmt.Sprintf("Removed configuration for **%s** for this server.", label))
	return nil
}

func (m *Manager) listChannels(ctx context.Context, req *Request) error {
	entries := m.deps.Registry.List(req.GuildID)
	if len(entries) == 0 {
		m.reply(ctx, req, noConfigurations)
		return nil
	}
	var b strings.Builder
	b.WriteString("**Current Configurations for this server:**")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n**%s** → Channel ID: `%s`, Timezone: `%s`", e.Label, e.TargetID, e.TimeZone)
	}
	m.reply(ctx, req, b.String())
	return nil
}

func (m *Manager) updateNow(ctx context.Context, req *Request) error {
	rep, err := m.deps.Runner.RunGroup(ctx, req.GuildID)
	if errors.Is(err, batch.ErrNoTargets) {
		m.reply(ctx, req, noConfigurations)
		return nil
	}
	if err != nil {
		return err
	}
	req.Logger.Info("manual update completed",
		logx.String("run", rep.ID),
		logx.Int("targets", len(rep.Results)),
		logx.Int("evicted", len(rep.Evicted)),
		logx.Bool("cycle_in_flight", rep.Overlap),
	)
	m.reply(ctx, req, "Updated channels for this server with the current time!")
	return nil
}

func (m *Manager) status(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("**Time channel status**\n")

	entries := m.deps.Registry.List(req.GuildID)
	fmt.Fprintf(&b, "Channels configured: %d\n", len(entries))

	if m.deps.Runner != nil {
		st := m.deps.Runner.State()
		if st.InProgress {
			fmt.Fprintf(&b, "Cycle: running `%s` since %s\n", st.CycleID, st.Started.UTC().Format(time.TimeOnly))
		} else {
			b.WriteString("Cycle: idle\n")
		}
		last := m.deps.Runner.LastReport()
		if !last.Started.IsZero() {
			fmt.Fprintf(&b, "Last cycle: `%s` at %s UTC, %d channels in %d batches, took %s",
				last.ID, last.Started.UTC().Format(time.TimeOnly), last.Targets, last.Batches, last.Took.Round(time.Millisecond))
			if len(last.Counts) > 0 {
				parts := make([]string, 0, len(last.Counts))
				for _, o := range sortedOutcomes(last.Counts) {
					parts = append(parts, fmt.Sprintf("%s=%d", o, last.Counts[o]))
				}
				fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
			}
			b.WriteString("\n")
		}
	}
	if m.deps.NextCycle != nil {
		if next := m.deps.NextCycle(); !next.IsZero() {
			fmt.Fprintf(&b, "Next cycle: %s UTC\n", next.UTC().Format(time.TimeOnly))
		}
	}

	if m.deps.Streaks != nil {
		streaks := m.deps.Streaks.Snapshot(req.GuildID)
		if len(streaks) > 0 {
			labels := make(map[string]string, len(entries))
			for _, e := range entries {
				labels[e.TargetID] = e.Label
			}
			limit := 0
			if m.deps.EvictAfter != nil {
				limit = m.deps.EvictAfter()
			}
			b.WriteString("Failing channels:\n")
			for _, s := range streaks {
				name := labels[s.TargetID]
				if name == "" {
					name = "?"
				}
				if limit > 0 {
					fmt.Fprintf(&b, "**%s** (`%s`): not found %d/%d\n", name, s.TargetID, s.Count, limit)
				} else {
					fmt.Fprintf(&b, "**%s** (`%s`): not found %d\n", name, s.TargetID, s.Count)
				}
			}
		}
	}

	m.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Manager) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("**Commands**")
	for _, c := range m.Commands() {
		fmt.Fprintf(&b, "\n`%s%s` %s", req.Prefix, c.Usage, c.Description)
	}
	if m.Settings().RestrictToManagers {
		b.WriteString("\nsetchannel, removechannel and updatenow need the **Manage Channels** permission.")
	}
	m.reply(ctx, req, b.String())
	return nil
}
