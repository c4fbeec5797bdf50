package discord

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	kit "timechanbot/internal/transport"
)

var capBits = []struct {
	c    kit.Capability
	perm int64
}{
	{kit.CapSpeak, discordgo.PermissionVoiceSpeak},
	{kit.CapConnect, discordgo.PermissionVoiceConnect},
	{kit.CapView, discordgo.PermissionViewChannel},
}

func toPerms(c kit.Capability) int64 {
	var out int64
	for _, b := range capBits {
		if c&b.c != 0 {
			out |= b.perm
		}
	}
	return out
}

func toCaps(p int64) kit.Capability {
	var out kit.Capability
	for _, b := range capBits {
		if p&b.perm != 0 {
			out |= b.c
		}
	}
	return out
}

func toTarget(ch *discordgo.Channel) kit.Target {
	t := kit.Target{
		ID:         ch.ID,
		GroupID:    ch.GuildID,
		Name:       ch.Name,
		Overwrites: make(map[string]kit.Overwrite, len(ch.PermissionOverwrites)),
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildVoice:
		t.Kind = kit.TargetVoice
	case discordgo.ChannelTypeGuildText:
		t.Kind = kit.TargetText
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow == nil || ow.Type != discordgo.PermissionOverwriteTypeRole {
			continue
		}
		t.Overwrites[ow.ID] = kit.Overwrite{Allow: toCaps(ow.Allow), Deny: toCaps(ow.Deny)}
	}
	return t
}

// classify maps "Unknown Channel" and plain 404 responses to kit.ErrTargetNotFound.
func classify(id string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		unknown := rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownChannel
		missing := rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
		if unknown || missing {
			return fmt.Errorf("channel %s: %w: %w", id, kit.ErrTargetNotFound, err)
		}
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[end:]
	}
	return out
}
