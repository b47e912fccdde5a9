// Package temporal implements the accumulator engine adapter backed by
// Temporal (https://temporal.io). It satisfies engine.Engine so the aggregator
// loop never imports the Temporal SDK directly.
//
// # Durability
//
// A session is one Temporal workflow ID. Every generation is one run of that
// workflow: the loop ends a generation with continue-as-new, which starts a
// fresh history seeded with the carried-over state. Items and close requests
// are Temporal signals; the flush call and hook publishing are activities, so
// their results are recorded once and replayed on recovery.
//
// # Constructing an Engine
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "accumulator",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Worker vs Client Mode
//
// Processes that only submit items (API gateways) use the same engine without
// registering the workflow; workers are never started because no workflow is
// registered on them.
//
// # Continuation Boundary
//
// Temporal refuses to complete a workflow task while signals received during
// that task are unhandled, so signals delivered after the loop's final drain
// are redelivered to the code that returns ContinueAsNew and end up in the
// next run's signal channel.
//
// # OpenTelemetry Integration
//
// The engine installs the Temporal OTEL tracing interceptor and metrics handler
// on the client and workers unless disabled in InstrumentationOptions.
package temporal
