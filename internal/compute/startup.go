package compute

import "fmt"

// WorkerStartupScript returns a startup script that installs the worker
// binary from downloadURL, writes its configuration, and starts it
// under systemd. Worker images usually bake all of this in; the script
// covers stock images and config changes without rebuilding.
func WorkerStartupScript(downloadURL, configYAML string) string {
	return fmt.Sprintf(`#!/usr/bin/env bash
set -euo pipefail

if ! command -v convoy-worker >/dev/null 2>&1; then
  curl -fsSL %q -o /tmp/convoy-worker
  install -m 0755 /tmp/convoy-worker /usr/local/bin/convoy-worker
fi

mkdir -p /etc/convoy
cat > /etc/convoy/worker.yaml <<'EOF'
%s
EOF

cat > /etc/systemd/system/convoy-worker.service <<'EOF'
[Unit]
Description=Convoy worker
After=network-online.target docker.service
Wants=network-online.target

[Service]
ExecStart=/usr/local/bin/convoy-worker -config /etc/convoy/worker.yaml
Restart=no

[Install]
WantedBy=multi-user.target
EOF

systemctl daemon-reload
systemctl enable --now convoy-worker
`, downloadURL, configYAML)
}
