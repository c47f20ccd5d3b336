// Package app assembles the license supervisor from its parts.
//
// # Initialization Flow
//
//  1. Resolve paths relative to the executable
//  2. Load the runtime configuration (defaults, YAML file, LICENSEGATE_* env)
//  3. Initialize logging and OpenTelemetry
//  4. Load the license payload
//  5. Generate the machine fingerprint
//  6. Wire the verify client, grace tracker, launcher, responder and
//     integrity checker into a supervisor.Supervisor
//
// # Usage
//
//	a, err := app.New(ctx, app.Options{})
//	if err != nil {
//	    os.Exit(config.ExitConfig)
//	}
//	res := a.Run(ctx, os.Args[1:])
//	a.Stop(ctx)
//	os.Exit(res.ExitCode)
//
// # Error Handling
//
// Every error from New is a ConfigError. The package never calls os.Exit;
// main owns the exit code.
package app
