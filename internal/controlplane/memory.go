package controlplane

import (
	"context"
	"sync"
)

// MemoryBackend keeps profile and presence in memory. The reference worker
// uses it when no real gateway client is attached.
type MemoryBackend struct {
	mu       sync.Mutex
	profile  ProfileData
	presence PresenceData
}

func NewMemoryBackend(botName string) *MemoryBackend {
	return &MemoryBackend{
		profile:  ProfileData{BotName: botName, Status: "online"},
		presence: PresenceData{Status: "online"},
	}
}

func (b *MemoryBackend) UpdateProfile(_ context.Context, u UpdateProfile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.BotName != "" {
		b.profile.BotName = u.BotName
	}
	if u.AvatarURL != "" {
		b.profile.Avatar = u.AvatarURL
	}
	return nil
}

func (b *MemoryBackend) UpdatePresence(_ context.Context, u UpdatePresence) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.Status != "" {
		b.presence.Status = u.Status
		b.profile.Status = u.Status
	}
	if u.Activity != "" {
		b.presence.Activity = u.Activity
		b.presence.ActivityType = u.ActivityType
		if b.presence.ActivityType == "" {
			b.presence.ActivityType = "PLAYING"
		}
	}
	return nil
}

func (b *MemoryBackend) Profile(context.Context) ProfileData {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.profile
	if b.presence.Activity != "" {
		p.Activities = []Activity{{Name: b.presence.Activity, Type: b.presence.ActivityType}}
	}
	return p
}

func (b *MemoryBackend) Presence(context.Context) PresenceData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presence
}
