// Package config loads the conductor configuration and watches it for
// changes.
//
// # Configuration Loading
//
// Load merges configuration from several sources. Later sources win:
//
//  1. Global config (~/.config/conductor/conductor.json[c])
//  2. Project config (<dir>/conductor.json[c] and <dir>/.conductor/conductor.json[c])
//  3. CONDUCTOR_CONFIG file
//  4. CONDUCTOR_CONFIG_CONTENT inline JSON
//  5. Environment variables (CONDUCTOR_LOG_LEVEL, CONDUCTOR_MODEL,
//     CONDUCTOR_DIGEST, CONDUCTOR_NOTIFICATIONS, CONDUCTOR_PORT)
//
// Files are JSONC: comments and trailing commas are stripped with
// tidwall/jsonc before parsing. Missing files are skipped; a file that exists
// but does not parse is an error.
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} expands to the environment variable
//   - {file:path} expands to the file contents, relative to the config file
//
// Both are JSON-escaped so they may appear inside string values.
//
// # Example
//
//	{
//	  // recaps for sessions you are not looking at
//	  "digest": { "enabled": true, "maxAttempts": 3 },
//	  "notifications": { "enabled": false },
//	  "defaults": { "model": "{env:CONDUCTOR_DEFAULT_MODEL}", "executionMode": "build" },
//	  "tools": { "question": ["AskUserQuestion"], "exitPlan": ["ExitPlanMode"] },
//	  "draft": { "debounce": 500 },
//	  "server": { "port": 4300 }
//	}
//
// # Live Reload
//
// Watch observes the directories of the loaded files with fsnotify and calls
// back with the reloaded Config. The application pushes Config.Settings into
// the state machine so digest and notification toggles apply without a
// restart.
//
// # Paths
//
// GetPaths follows the XDG base directory layout; session storage lives in
// Paths.StoragePath.
package config
