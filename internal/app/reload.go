package app

import (
	"context"
	"strings"

	"carbonbot/internal/config"
	"carbonbot/internal/eventbus"
	logx "carbonbot/pkg/logx"
)

// validateLive rejects a reloaded config whose live sections cannot be
// mapped onto running components.
func validateLive(_ context.Context, cfg *config.Config) error {
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	_, err := mapRouterConfig(cfg)
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, applied, next)
			applied = next
		}
	}
}

// applyConfig pushes the live sections of next into running components and
// warns about the sections that need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.SetChatSink(logSink(a.adapter, next))
	a.logs.Apply(mapLogConfig(next))

	a.router.SetAdmins(next.Telegram.AdminUserIDs)
	if len(next.Telegram.AdminUserIDs) == 0 {
		a.log.Warn("telegram.admin_user_ids is empty; nobody can /broadcast or /list")
	}

	if bc, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(bc)
	}

	if sc, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, sc)
	}

	if restart := config.RestartRequired(prev, next, changed); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: eventbus.ConfigEvent{Sections: changed}})
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}
