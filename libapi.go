package busflow

import (
	"context"

	runtimepkg "github.com/drblury/busflow/internal/runtime"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	pipelinepkg "github.com/drblury/busflow/internal/runtime/pipeline"
	registrypkg "github.com/drblury/busflow/internal/runtime/registry"
	"github.com/drblury/busflow/transport"
)

type (
	Config              = configpkg.Config
	ProcessingSettings  = configpkg.ProcessingSettings
	LeaseSettings       = configpkg.LeaseSettings
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ChannelRegistration = runtimepkg.ChannelRegistration

	// Processors
	Capability        = registrypkg.Capability
	Declaration       = registrypkg.Declaration
	Processor         = registrypkg.Processor
	ProcessorRegistry = registrypkg.ProcessorRegistry
	MessageInfo       = handlerpkg.MessageInfo
	Binding           = registrypkg.Binding

	// Pipeline
	StateHandle = pipelinepkg.StateHandle
	Delivery    = pipelinepkg.Delivery
	HandlerFunc = pipelinepkg.HandlerFunc
	Middleware  = pipelinepkg.Middleware
	Dispatcher  = pipelinepkg.Dispatcher
	Outcome     = pipelinepkg.Outcome
	Result      = pipelinepkg.Result
	Pipeline    = pipelinepkg.MiddlewarePipeline

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	EntryLogger   = loggingpkg.EntryLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Stats and diagnostics
	ChannelStatsSnapshot = runtimepkg.ChannelStatsSnapshot
	DiagnosticsReport    = runtimepkg.DiagnosticsReport
	DLQMetrics           = runtimepkg.DLQMetrics
	DLQTopicMetrics      = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot   = runtimepkg.DLQMetricsSnapshot

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	DLQMessage            = transport.DLQMessage
)

const (
	CapabilityCommand = registrypkg.CapabilityCommand
	CapabilityEvent   = registrypkg.CapabilityEvent
	CapabilityRequest = registrypkg.CapabilityRequest

	OutcomeCompleted    = pipelinepkg.OutcomeCompleted
	OutcomeDeadLettered = pipelinepkg.OutcomeDeadLettered
	OutcomeAbandoned    = pipelinepkg.OutcomeAbandoned
	OutcomeCancelled    = pipelinepkg.OutcomeCancelled
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyMessageType      = metadatapkg.KeyMessageType
	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
	MetadataKeyOriginalTopic    = metadatapkg.KeyOriginalTopic
	MetadataKeyDeadLetteredAt   = metadatapkg.KeyDeadLetteredAt
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewProcessorRegistry   = registrypkg.NewProcessorRegistry
	NewMiddlewarePipeline  = pipelinepkg.NewMiddlewarePipeline
	NewDispatcher          = pipelinepkg.NewDispatcher
	WithOutcomeObserver    = pipelinepkg.WithOutcomeObserver
	MessageInfoFromContext = handlerpkg.MessageInfoFromContext

	DefaultMiddlewares           = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware      = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware        = runtimepkg.LogMessagesMiddleware
	TracerMiddleware             = runtimepkg.TracerMiddleware
	MetricsMiddleware            = runtimepkg.MetricsMiddleware
	MessageLockTimeoutMiddleware = runtimepkg.MessageLockTimeoutMiddleware
	ThrottlingMiddleware         = runtimepkg.ThrottlingMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDLQMetrics = runtimepkg.NewDLQMetrics

	Send       = runtimepkg.Send
	NewMessage = runtimepkg.NewMessage

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired          = errspkg.ErrServiceRequired
	ErrConfigRequired           = errspkg.ErrConfigRequired
	ErrLoggerRequired           = errspkg.ErrLoggerRequired
	ErrTransportRequired        = errspkg.ErrTransportRequired
	ErrPublisherRequired        = errspkg.ErrPublisherRequired
	ErrTopicRequired            = errspkg.ErrTopicRequired
	ErrMessageRequired          = errspkg.ErrMessageRequired
	ErrChannelNameRequired      = errspkg.ErrChannelNameRequired
	ErrChannelExists            = errspkg.ErrChannelExists
	ErrMessageTypeRequired      = errspkg.ErrMessageTypeRequired
	ErrNoCapabilities           = errspkg.ErrNoCapabilities
	ErrInvalidDeclaration       = errspkg.ErrInvalidDeclaration
	ErrProcessorNotFound        = errspkg.ErrProcessorNotFound
	ErrLockerRequired           = errspkg.ErrLockerRequired
	ErrServiceAlreadyStarted    = errspkg.ErrServiceAlreadyStarted
	ErrDeliveryCountUnavailable = errspkg.ErrDeliveryCountUnavailable
	ErrProcessorPanic           = errspkg.ErrProcessorPanic
	ErrDLQNotSupported          = errspkg.ErrDLQNotSupported

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Handles declares fn as the processor function for messages of type T.
func Handles[T any](capability Capability, fn func(ctx context.Context, msg T) error) Declaration {
	return registrypkg.Handles(capability, fn)
}

// TypeName is the message type name channels use to find processors for T.
func TypeName[T any]() string {
	return registrypkg.TypeName[T]()
}

func NewEntryServiceLogger[T loggingpkg.EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
