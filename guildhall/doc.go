// Package guildhall implements a Discord community-management bot with
// self-assignable roles, rules onboarding, moderation, a habit tracker, and
// an optional OpenAI plugin, plus an admin HTTP API.
//
// Every unit of work the bot does passes through a task controller. A task
// controller owns one named, database-backed job queue and an in-memory task
// map from job ID to the context needed to complete the job (a Discord
// interaction, an HTTP handler closure, or a gateway event's arguments).
//
// Key components:
//
//   - Queue: a durable job queue with per-job timeout, retries and
//     delay-until scheduling, stored via GORM (sqlite, postgres or mysql).
//   - TaskController: the generic add/process/remove contract, instantiated
//     as APIController, CommandController, EventController and
//     OpenAIController.
//   - CooldownTracker: per-user command cooldowns, applied as job delays.
//   - EventBus: fan-out of gateway events to internal listeners.
//   - TaskManager: constructs and wires the controllers.
//   - API: the gin admin API, where protected routes are composed as
//     withAuth(withAPILogging(useAPIQueue(handler))).
//
// Commands and gateway events are registered from static tables
// (see defaultCommands and defaultEvents).
package guildhall
