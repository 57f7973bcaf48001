package pathing

import (
	"log"
	"os"
	"path/filepath"
)

// Ensure directories exist on startup
func init() {
	// Directories that must exist:
	dirs := []string{
		GetDataDir(),
	}

	// Create all directories
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			err := os.MkdirAll(dir, 0755)
			if err != nil {
				log.Fatal(err)
			}
		}
	}
}

func GetStatCachePath() string {
	// Join path
	return filepath.Join(GetDataDir(), "egs-statcache.db")
}

func GetCardsDir() string {
	return filepath.Join(GetConfigDir(), "cards")
}

func GetDataDir() string {
	if dir := os.Getenv("EGS_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/energy_graph_server"
}

func GetConfigDir() string {
	if dir := os.Getenv("EGS_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/energy_graph_server"
}
