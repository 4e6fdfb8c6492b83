package models

import (
	"fmt"
	"strconv"
	"strings"
)

// PartialSuffix marks a download that has not completed yet.
const PartialSuffix = ".part"

const archivePrefix = "game-"

// ArchiveFileName is the file a game's download is stored under.
func ArchiveFileName(gameID int64) string {
	return fmt.Sprintf("%s%d.archive", archivePrefix, gameID)
}

// GameIDFromArchive parses the game id back out of an archive or partial
// download file name.
func GameIDFromArchive(name string) (int64, bool) {
	name = strings.TrimSuffix(name, PartialSuffix)
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".archive") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".archive")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
