package build

// Config holds the build configuration shared by the builder binaries.
type Config struct {
	Command           string `env:"BUILD_COMMAND"`      // default: DefaultBuildCommand
	OutputSubdir      string `env:"OUTPUT_SUBDIR"`      // default: DefaultOutputSubdir
	UploadConcurrency int    `env:"UPLOAD_CONCURRENCY"` // default: upload.DefaultConcurrency
	RequireZeroExit   bool   `env:"REQUIRE_ZERO_EXIT"`
}
