package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"govcast/internal/channel"
	"govcast/internal/channel/ivr"
	"govcast/internal/channel/sms"
	"govcast/internal/channel/social"
	"govcast/internal/channel/web"
	"govcast/internal/channel/whatsapp"
	"govcast/internal/config"
	"govcast/internal/content"
	"govcast/internal/directory"
	"govcast/internal/model"
)

// seedFile preloads the in-memory directory and content store. One file
// may carry both sections.
type seedFile struct {
	Contents []content.Snapshot         `json:"contents,omitempty"`
	Citizens map[string][]model.Citizen `json:"citizens,omitempty"`
}

func readSeed(path string) (seedFile, error) {
	var sf seedFile
	if strings.TrimSpace(path) == "" {
		return sf, nil
	}
	if err := config.ReadFile(path, &sf); err != nil {
		return seedFile{}, fmt.Errorf("seed: %w", err)
	}
	return sf, nil
}

func openContent(cfg config.SourceConfig, s settings) (content.Source, error) {
	if strings.TrimSpace(cfg.BaseURL) != "" {
		return content.NewClient(cfg.BaseURL, cfg.Token, s.contentTimeout), nil
	}
	sf, err := readSeed(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	return content.NewMemory(sf.Contents...), nil
}

func openDirectory(cfg config.SourceConfig, s settings) (directory.Source, error) {
	if strings.TrimSpace(cfg.BaseURL) != "" {
		return directory.NewClient(cfg.BaseURL, cfg.Token, cfg.PageSize, s.directoryTimeout), nil
	}
	sf, err := readSeed(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	m := directory.NewMemory()
	for tenant, zs := range sf.Citizens {
		m.Add(tenant, zs...)
	}
	return m, nil
}

// openRedis returns nil when no address is configured.
func openRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// buildChannels registers an adapter for every configured channel section.
func buildChannels(ctx context.Context, cfg config.ChannelsConfig, s settings, rdb redis.UniversalClient) (*channel.Registry, error) {
	var (
		chs  []channel.Channel
		errs []error
	)
	if c := cfg.SMS; c != nil {
		ch, err := sms.NewSNS(ctx, sms.Config{Region: c.Region, SenderID: c.SenderID, SMSType: c.SMSType, MaxSegments: c.MaxSegments})
		if err != nil {
			errs = append(errs, fmt.Errorf("channels.sms: %w", err))
		} else {
			chs = append(chs, ch)
		}
	}
	if c := cfg.WhatsApp; c != nil {
		chs = append(chs, whatsapp.New(whatsapp.Config{
			BaseURL:       c.BaseURL,
			PhoneNumberID: c.PhoneNumberID,
			Token:         c.Token,
			Template:      c.Template,
			Timeout:       s.whatsappTimeout,
		}))
	}
	if c := cfg.IVR; c != nil {
		chs = append(chs, ivr.New(ivr.Config{BaseURL: c.BaseURL, APIKey: c.APIKey, CallerID: c.CallerID, Timeout: s.ivrTimeout}))
	}
	if c := cfg.Social; c != nil {
		ch, err := social.NewBot(social.Config{Token: c.Token})
		if err != nil {
			errs = append(errs, fmt.Errorf("channels.social: %w", err))
		} else {
			chs = append(chs, ch)
		}
	}
	if c := cfg.Web; c != nil {
		if rdb == nil {
			errs = append(errs, errors.New("channels.web: redis.addr is required"))
		} else {
			chs = append(chs, web.New(web.Config{Prefix: c.Prefix, MaxItems: c.MaxItems}, rdb))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return channel.NewRegistry(chs...)
}
