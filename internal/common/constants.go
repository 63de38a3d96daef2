package common

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvModelPath        = "MODEL_PATH"
	EnvMeanPath         = "SCALER_MEAN_PATH"
	EnvScalePath        = "SCALER_SCALE_PATH"
	EnvBackend          = "INFERENCE_BACKEND"
	EnvInferenceURL     = "INFERENCE_URL"
	EnvInferenceTimeout = "INFERENCE_TIMEOUT"
	EnvUnit             = "PREDICTION_UNIT"
	EnvDataPath         = "DATA_PATH"
	EnvOutputDir        = "OUTPUT_DIR"
	EnvHTTPPort         = "HTTP_PORT"
	EnvMetricsNamespace = "METRICS_NAMESPACE"
	EnvLogLevel         = "LOG_LEVEL"
	EnvKafkaBrokers     = "KAFKA_BROKERS"
	EnvKafkaTopic       = "KAFKA_TOPIC"
)

// Inference backends
const (
	BackendPython = "python"
	BackendHTTP   = "http"
)

// Configuration defaults
const (
	DefaultModelPath        = "models/rainfall_model.onnx"
	DefaultMeanPath         = "models/scaler_mean.csv"
	DefaultScalePath        = "models/scaler_scale.csv"
	DefaultBackend          = BackendPython
	DefaultInferenceURL     = "http://localhost:8501"
	DefaultInferenceTimeout = "5s"
	DefaultUnit             = "mm"
	DefaultDataPath         = "data/runs.db"
	DefaultOutputDir        = "output"
	DefaultHTTPPort         = 8080
	DefaultMetricsNamespace = "rainscore"
	DefaultLogLevel         = "info"
	DefaultKafkaTopic       = "rainfall.predictions"
)

// Validation constants
const (
	MinHTTPPort = 1024
	MaxHTTPPort = 65535
	MaxUnitLen  = 16
)
