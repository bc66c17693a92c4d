package apkdb

// Flags is the set of boolean configuration switches enumerated in §6.4,
// threaded through Open/Installer/Migrator/Purger.
type Flags struct {
	Simulate                 bool
	NoNetwork                bool
	NoCache                  bool
	NoChroot                 bool
	PreserveEnv              bool
	Purge                    bool
	CleanProtected           bool
	OverlayFromStdin         bool
	ForceOverwrite           bool
	ForceOldAPK              bool
	ForceMissingRepositories bool
	ForceBrokenWorld         bool
	ForceRefresh             bool
	UserMode                 bool
	AllowArch                bool
}
