package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/dialer"
	"github.com/acme/voice-agent-platform/internal/infra/db"
	"github.com/acme/voice-agent-platform/internal/infra/redis"
	"github.com/acme/voice-agent-platform/internal/notify"
	"github.com/acme/voice-agent-platform/internal/providers/asr"
	"github.com/acme/voice-agent-platform/internal/providers/llm"
	"github.com/acme/voice-agent-platform/internal/providers/tts"
	"github.com/acme/voice-agent-platform/internal/queue"
	"github.com/acme/voice-agent-platform/internal/repository"
	pgrepo "github.com/acme/voice-agent-platform/internal/repository/postgres"
	scyllarepo "github.com/acme/voice-agent-platform/internal/repository/scylla"
	"github.com/acme/voice-agent-platform/internal/session"
	"github.com/acme/voice-agent-platform/internal/telephony"
	telephonymock "github.com/acme/voice-agent-platform/internal/telephony/mock"
	"github.com/acme/voice-agent-platform/internal/telephony/twilio"
	"github.com/acme/voice-agent-platform/internal/transport"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		dispatchers  *dispatchers
		sessions     *sessions
		dialing      *dialing
	}

	speech struct {
		once    sync.Once
		factory transport.SessionFactory
		err     error
	}

	telephony struct {
		once     sync.Once
		provider telephony.Provider
		err      error
	}
}

type repositories struct {
	Campaigns   repository.CampaignRepository
	Leads       repository.LeadRepository
	Agents      repository.AgentRepository
	Transcripts repository.TranscriptStore
}

type dispatchers struct {
	Dial   *queue.DialDispatcher
	Status *queue.StatusPublisher
}

type sessions struct {
	Registry   *session.Registry
	Aggregator *session.Aggregator
}

type dialing struct {
	Jobs      *queue.TimerQueue
	Quota     *dialer.RedisQuota
	Notifier  *notify.Redis
	Scheduler *dialer.Scheduler
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaigns:   pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Leads:       pgrepo.NewLeadRepository(c.Postgres.DB()),
			Agents:      pgrepo.NewAgentRepository(c.Postgres.DB()),
			Transcripts: scyllarepo.NewTranscriptStore(c.Scylla.Session()),
		}

		disp := &dispatchers{
			Dial:   queue.NewDialDispatcher(c.Kafka, c.Config.Kafka.DialTopic),
			Status: queue.NewStatusPublisher(c.Kafka, c.Config.Kafka.StatusTopic),
		}

		sess := &sessions{
			Registry:   session.NewRegistry(),
			Aggregator: session.NewAggregator(c.Config.Session.LatencyCapacity),
		}

		jobs := queue.NewTimerQueue()
		quota := dialer.NewRedisQuota(c.Redis.Inner(), c.Config.Quota)
		notifier := notify.NewRedis(c.Redis.Inner(), c.Logger)
		dialing := &dialing{
			Jobs:     jobs,
			Quota:    quota,
			Notifier: notifier,
			Scheduler: dialer.New(
				repos.Campaigns,
				repos.Leads,
				repos.Agents,
				jobs,
				disp.Dial,
				quota,
				notifier,
				c.Config.Dialer,
				c.Logger,
			),
		}

		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.sessions = sess
		c.components.dialing = dialing
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Sessions exposes the live-call registry and latency aggregator.
func (c *Container) Sessions() *sessions {
	c.initComponents()
	return c.components.sessions
}

// Dialing exposes the campaign scheduler and its collaborators.
func (c *Container) Dialing() *dialing {
	c.initComponents()
	return c.components.dialing
}

// Notifier exposes the Redis pub/sub notifier.
func (c *Container) Notifier() *notify.Redis {
	c.initComponents()
	return c.components.dialing.Notifier
}

// Telephony returns the configured call-initiation provider.
func (c *Container) Telephony() (telephony.Provider, error) {
	c.telephony.once.Do(func() {
		switch c.Config.Telephony.ProviderName {
		case "", "mock":
			c.telephony.provider = telephonymock.NewProvider()
		case "twilio":
			c.telephony.provider, c.telephony.err = twilio.New(c.Config.Telephony)
		default:
			c.telephony.err = fmt.Errorf("%w: unknown telephony provider %q",
				apperrors.ErrValidation, c.Config.Telephony.ProviderName)
		}
	})
	return c.telephony.provider, c.telephony.err
}

// SessionFactory builds the factory the media server uses to spin up one
// call session per stream. The speech provider clients are shared across
// sessions; each call gets its own orchestrator.
func (c *Container) SessionFactory() (transport.SessionFactory, error) {
	c.speech.once.Do(func() {
		recognizer, err := asr.NewClient(c.Config.Providers.ASR, c.Logger)
		if err != nil {
			c.speech.err = err
			return
		}
		responder, err := llm.NewClient(c.Config.Providers.LLM)
		if err != nil {
			c.speech.err = err
			return
		}
		synthesizer, err := tts.NewClient(c.Config.Providers.TTS)
		if err != nil {
			c.speech.err = err
			return
		}

		agents := c.Repositories().Agents
		sessionCfg := c.Config.Session
		log := c.Logger

		c.speech.factory = func(ctx context.Context, start transport.StartPayload) (*session.Orchestrator, error) {
			agentID, err := uuid.Parse(start.CustomParams["agent_id"])
			if err != nil {
				return nil, fmt.Errorf("%w: start frame missing agent_id", apperrors.ErrValidation)
			}
			accountID, err := uuid.Parse(start.CustomParams["account_id"])
			if err != nil {
				return nil, fmt.Errorf("%w: start frame missing account_id", apperrors.ErrValidation)
			}
			callID := start.CustomParams["call_id"]
			if callID == "" {
				callID = start.CallSID
			}

			agent, err := agents.Get(ctx, agentID)
			if err != nil {
				return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
			}
			if !agent.Active {
				return nil, fmt.Errorf("%w: agent %s is disabled", apperrors.ErrValidation, agentID)
			}

			return session.New(session.Config{
				CallID:    callID,
				StreamID:  start.StreamSID,
				AccountID: accountID,
				Agent:     *agent,
				Format: session.AudioFormat{
					Encoding:   start.MediaFormat.Encoding,
					SampleRate: start.MediaFormat.SampleRate,
					Channels:   start.MediaFormat.Channels,
				},
				StageTimeout:   sessionCfg.StageTimeout,
				UtterancePause: sessionCfg.UtterancePause,
				EventBuffer:    sessionCfg.EventBuffer,
			}, session.Deps{
				Recognizer:  recognizer,
				Responder:   responder,
				Synthesizer: synthesizer,
				Logger:      log,
			}), nil
		}
	})
	return c.speech.factory, c.speech.err
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dialing; d != nil {
		d.Jobs.Close()
	}
	if d := c.components.dispatchers; d != nil {
		if err := d.Dial.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dial dispatcher close: %w", err))
		}
		if err := d.Status.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.DialTopic, c.Config.Kafka.StatusTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 48, 1)
}
