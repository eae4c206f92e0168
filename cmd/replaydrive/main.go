// Command replaydrive is an example driver that wires the detection core
// end to end: it loads configuration the way the teacher's pkg/config
// does (godotenv + envdecode over a tagged struct), builds a schema, a
// detection engine with both predicate runtimes registered, installs a
// single-event rule, generates a small replay log if one
// isn't already on disk, and replays it through the engine, printing each
// alert the engine emits.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/endpointdefense/huntcore/internal/alertsink"
	"github.com/endpointdefense/huntcore/internal/engine"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/ir"
	"github.com/endpointdefense/huntcore/internal/replay"
	"github.com/endpointdefense/huntcore/internal/runtime/bytecode"
	"github.com/endpointdefense/huntcore/internal/runtime/script"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/internal/state"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// Config is replaydrive's environment configuration, following the
// teacher's envdecode-tagged-struct pattern in pkg/config/config.go.
type Config struct {
	ReplayLogPath string `env:"REPLAY_LOG_PATH,default=demo.replay"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
	GenerateDemo  bool   `env:"REPLAY_GENERATE_DEMO,default=true"`
}

// loadConfig mirrors the teacher's Load: a best-effort .env load followed
// by envdecode.Decode, tolerating envdecode's "none of the target fields
// were set" error since every field here already carries a default tag.
func loadConfig() Config {
	_ = godotenv.Load()

	cfg := Config{ReplayLogPath: "demo.replay", LogLevel: "info", GenerateDemo: true}
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides," matching the
		// teacher's config.Load tolerance for local runs with no vars set.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			fmt.Fprintf(os.Stderr, "replaydrive: env decode warning: %v\n", err)
		}
	}
	return cfg
}

// demoSchema registers the small process-exec schema the demo rules and
// events are written against.
type demoSchema struct {
	reg        *schema.Registry
	typeExec   schema.EventTypeId
	fieldPath  schema.FieldId
	fieldPID   schema.FieldId
	fieldGroup schema.FieldId
}

func buildDemoSchema() demoSchema {
	reg := schema.New()
	ds := demoSchema{
		reg:        reg,
		typeExec:   reg.MustRegisterEventType("process_exec"),
		fieldPath:  reg.MustRegisterField("process.exec_path", schema.DataTypeString),
		fieldPID:   reg.MustRegisterField("process.pid", schema.DataTypeU64),
		fieldGroup: reg.MustRegisterField("process.host_id", schema.DataTypeU64),
	}
	reg.Freeze()
	return ds
}

// writeDemoLog fabricates a tiny replay log with one benign and one
// malicious process_exec event, out of timestamp order, so ReadLog's
// sort-on-load contract has something to prove.
func writeDemoLog(path string, ds demoSchema) error {
	malicious, err := event.NewBuilder().
		EventID(2).EventTypeID(ds.typeExec).
		TsMonoNs(2_000_000).TsWallNs(2_000_000).
		EntityKey(event.EntityKeyFromU64(7)).
		Field(ds.fieldPath, event.Str("/tmp/payload.sh")).
		Field(ds.fieldPID, event.U64(4242)).
		Field(ds.fieldGroup, event.U64(7)).
		Build()
	if err != nil {
		return err
	}

	benign, err := event.NewBuilder().
		EventID(1).EventTypeID(ds.typeExec).
		TsMonoNs(1_000_000).TsWallNs(1_000_000).
		EntityKey(event.EntityKeyFromU64(7)).
		Field(ds.fieldPath, event.Str("/usr/bin/ls")).
		Field(ds.fieldPID, event.U64(4241)).
		Field(ds.fieldGroup, event.U64(7)).
		Build()
	if err != nil {
		return err
	}

	header := replay.Header{
		SchemaHash:    ds.reg.SchemaHash(),
		EngineBuildID: "replaydrive-demo",
	}
	// Written malicious-then-benign, out of ts_mono_ns order on purpose.
	return replay.WriteLog(path, header, []*event.Event{malicious, benign})
}

func main() {
	cfg := loadConfig()
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel})

	ds := buildDemoSchema()

	if cfg.GenerateDemo {
		if _, err := os.Stat(cfg.ReplayLogPath); os.IsNotExist(err) {
			if err := writeDemoLog(cfg.ReplayLogPath, ds); err != nil {
				log.WithError(err).Fatal("failed to generate demo replay log")
			}
			log.WithField("path", cfg.ReplayLogPath).Info("wrote demo replay log")
		}
	}

	sink := alertsink.NewConsoleSink(log)

	eng := engine.New(engine.Config{
		Schema:      ds.reg,
		StateConfig: state.DefaultConfig(),
		Sink:        sink,
		Logger:      log,
	})
	eng.RegisterRuntime("bytecode", bytecode.New(log))
	eng.RegisterRuntime("script", script.New(log))

	maliciousBody := fmt.Sprintf(`field_str(%d) == "/tmp/payload.sh"`, uint32(ds.fieldPath))
	if err := eng.LoadEventRule("rule-suspicious-exec", "suspicious_exec_path", ir.CompiledEventRule{
		EventTypeID:    ds.typeExec,
		PredicateBody:  []byte(maliciousBody),
		RuntimeTag:     "bytecode",
		RequiredFields: []schema.FieldId{ds.fieldPath},
		Severity:       "high",
	}); err != nil {
		log.WithError(err).Fatal("failed to load event rule")
	}

	header, events, err := replay.ReadLog(cfg.ReplayLogPath)
	if err != nil {
		log.WithError(err).Fatal("failed to read replay log")
	}
	log.WithField("engine_build_id", header.EngineBuildID).
		WithField("event_count", len(events)).
		Info("replaying events")

	var total int
	for _, ev := range events {
		alerts := eng.Submit(ev)
		total += len(alerts)
	}

	log.WithField("alerts_emitted", total).Info("replay complete")
}
