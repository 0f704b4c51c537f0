package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEveryUpHasDown(t *testing.T) {
	ups, err := fs.Glob(SQL, "sql/*.up.sql")
	if err != nil || len(ups) == 0 {
		t.Fatalf("no up migrations embedded: %v", err)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(SQL, down); err != nil {
			t.Fatalf("%s has no down migration", up)
		}
	}
}

func TestRefreshTokensCascadeWithDevices(t *testing.T) {
	ups, _ := fs.Glob(SQL, "sql/*.up.sql")
	for _, up := range ups {
		data, err := fs.ReadFile(SQL, up)
		if err != nil {
			t.Fatalf("read %s: %v", up, err)
		}
		sql := strings.Join(strings.Fields(strings.ToLower(string(data))), " ")
		if strings.Contains(sql, "foreign key (user_id, device_id) references devices (user_id, id) on delete cascade") {
			return
		}
	}
	t.Fatal("refresh_tokens must cascade on device deletion")
}
