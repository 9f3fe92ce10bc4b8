// Package grcbot implements the Discord bot for the Georgia Roleplay
// Community server.
//
// The bot keeps a handful of server chores running without a moderator:
//
//   - /ping and /credits slash commands, registered per guild.
//   - New members are greeted in the welcome channel and given the
//     configured auto-role.
//   - The support channel is wiped and reposted once per day, at a fixed
//     wall-clock time in America/New_York (or another configured zone).
//   - The rules channel keeps one pinned message per rules page. Pages are
//     created once, then edited in place whenever the configured text
//     changes.
//
// Key components:
//
//   - Bot: owns the configuration, loggers, database and process lifetime.
//   - Discord: wraps the discordgo session behind DiscordSessionHandler.
//   - RulesReconciler: creates/edits/pins the rules pages.
//   - SupportResetter: purges the support channel and posts the daily message.
//   - JoinHandler: welcome message and auto-role on member join.
//   - DailyScheduler: the recurring trigger for the support reset.
//   - API: optional admin HTTP API for health checks and manual runs.
//
// Message IDs for the rules pages are persisted in the database, so a
// redeploy reuses the existing posts instead of creating new ones.
package grcbot
