package node

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

const (
	pmtaConfig = "/etc/pmta/config"
	pmtaBin    = "/usr/sbin/pmta"

	// Reloads are deferred while the outbound queue is above this depth;
	// the scheduler retries them via FlushPendingReload.
	reloadDeferThreshold = 1000

	commandTimeout = 30 * time.Second
	probeTimeout   = 10 * time.Second
)

var (
	vmtaNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	rateRe     = regexp.MustCompile(`^[0-9]+/(h|day|min)$`)
)

// runner abstracts the remote shell channel so tests can substitute a fake.
type runner interface {
	run(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	push(ctx context.Context, data []byte, remotePath string) error
	close() error
}

// Client manages one remote PowerMTA node. All operations go over SSH and
// manipulate /etc/pmta/config directly; there is no management API in play.
type Client struct {
	cfg config.NodeConfig
	r   runner

	mu            sync.Mutex
	pendingReload bool
	lastReload    time.Time
}

// VMTASpec describes one virtual-MTA to provision on a node.
type VMTASpec struct {
	Name        string
	IP          string
	Hostname    string
	SenderEmail string
	DKIMKeyPath string // auto-derived from the hostname when empty
}

// NewClient creates a client for one configured node.
func NewClient(cfg config.NodeConfig) *Client {
	return &Client{cfg: cfg, r: newSSHRunner(cfg)}
}

// NodeID returns the configured node identifier.
func (c *Client) NodeID() string { return c.cfg.NodeID }

// Host returns the node's SSH host.
func (c *Client) Host() string { return c.cfg.Host }

// Domains returns the sending domains this node is responsible for.
func (c *Client) Domains() []string { return c.cfg.Domains }

// SMTPPort returns the node's SMTP listener port.
func (c *Client) SMTPPort() int { return c.cfg.SMTPPort }

// Reachable probes the SSH channel.
func (c *Client) Reachable(ctx context.Context) bool {
	out, err := c.r.run(ctx, "echo ok", probeTimeout)
	return err == nil && strings.Contains(out, "ok")
}

// Running reports whether the PowerMTA service is up on the node.
func (c *Client) Running(ctx context.Context) bool {
	out, err := c.r.run(ctx,
		fmt.Sprintf("systemctl is-active pmta 2>/dev/null || %s show status 2>/dev/null", pmtaBin),
		probeTimeout)
	if err == nil {
		return true
	}
	return strings.Contains(strings.ToLower(out), "running")
}

// QueueDepth returns the total queued message count, or -1 if indeterminate.
func (c *Client) QueueDepth(ctx context.Context) int {
	cmd := fmt.Sprintf("%s show topqueues --count=999 2>/dev/null | awk 'NR>1 {sum+=$2} END {print sum+0}'", pmtaBin)
	out, err := c.r.run(ctx, cmd, commandTimeout)
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return -1
	}
	return n
}

// DKIMPublicKey reads the published DKIM key for a sending domain.
func (c *Client) DKIMPublicKey(ctx context.Context, sendingDomain string) (string, error) {
	slug := DomainSlug(sendingDomain)
	out, err := c.r.run(ctx, fmt.Sprintf("cat /etc/pmta/dkim/%s.pub.txt 2>/dev/null", slug), probeTimeout)
	if err != nil {
		return "", fmt.Errorf("node %s: read dkim key for %s: %w", c.cfg.NodeID, sendingDomain, domain.ErrUnavailable)
	}
	key := strings.TrimSpace(out)
	if key == "" {
		return "", fmt.Errorf("node %s: no dkim key for %s: %w", c.cfg.NodeID, sendingDomain, domain.ErrNotFound)
	}
	return key, nil
}

// AppendVMTABlock appends a virtual-mta block to the node config and inserts
// the matching pattern-list entry. The two steps are atomic from the caller's
// point of view: if the pattern insert fails the block is removed again before
// the error is returned. The sender email is never interpolated into a shell
// command line; it travels in temp files only.
func (c *Client) AppendVMTABlock(ctx context.Context, spec VMTASpec) error {
	if !vmtaNameRe.MatchString(spec.Name) {
		return fmt.Errorf("vmta name %q: %w", spec.Name, domain.ErrValidation)
	}

	block := renderVMTABlock(spec)
	remoteBlock := fmt.Sprintf("/tmp/vmta_%s.conf", spec.Name)
	if err := c.r.push(ctx, []byte(block), remoteBlock); err != nil {
		return fmt.Errorf("node %s: push vmta block: %w", c.cfg.NodeID, domain.ErrUnavailable)
	}
	appendCmd := fmt.Sprintf("sudo sh -c 'cat %s >> %s' && rm -f %s", remoteBlock, pmtaConfig, remoteBlock)
	if _, err := c.r.run(ctx, appendCmd, commandTimeout); err != nil {
		return fmt.Errorf("node %s: append vmta %s: %v: %w", c.cfg.NodeID, spec.Name, err, domain.ErrUnavailable)
	}

	if err := c.insertPatternEntry(ctx, spec.SenderEmail, spec.Name); err != nil {
		if rerr := c.RemoveVMTABlockOnly(ctx, spec.Name); rerr != nil {
			log.Printf("[Node %s] rollback of vmta %s failed: %v", c.cfg.NodeID, spec.Name, rerr)
			return fmt.Errorf("node %s: pattern insert failed and rollback failed: %w", c.cfg.NodeID, domain.ErrIntegrity)
		}
		return fmt.Errorf("node %s: insert pattern entry for %s: %v: %w", c.cfg.NodeID, spec.Name, err, domain.ErrUnavailable)
	}

	if err := c.GracefulReload(ctx); err != nil {
		log.Printf("[Node %s] reload after provisioning %s: %v", c.cfg.NodeID, spec.Name, err)
	}
	log.Printf("[Node %s] vmta %s provisioned for %s (%s)", c.cfg.NodeID, spec.Name, spec.SenderEmail, spec.IP)
	return nil
}

// insertPatternEntry places "{sender_email}   {vmta}" immediately before the
// closing </pattern-list> marker. The entry is pushed as a file and spliced in
// by a remote one-liner that only ever sees file paths on its command line.
func (c *Client) insertPatternEntry(ctx context.Context, senderEmail, vmtaName string) error {
	entry := fmt.Sprintf("    %s   %s\n", senderEmail, vmtaName)
	remoteEntry := fmt.Sprintf("/tmp/pattern_%s.txt", vmtaName)
	if err := c.r.push(ctx, []byte(entry), remoteEntry); err != nil {
		return fmt.Errorf("push pattern entry: %w", err)
	}
	cmd := fmt.Sprintf(
		`sudo python3 -c "c = open('%[1]s').read(); e = open('%[2]s').read().rstrip(); c = c.replace('</pattern-list>', e + chr(10) + '</pattern-list>', 1); open('%[1]s','w').write(c)" && rm -f %[2]s`,
		pmtaConfig, remoteEntry)
	if _, err := c.r.run(ctx, cmd, commandTimeout); err != nil {
		return err
	}
	return nil
}

// removePatternEntry deletes every pattern-list line containing the sender
// email. The needle goes through a temp file, same as insertion.
func (c *Client) removePatternEntry(ctx context.Context, senderEmail, vmtaName string) error {
	remoteNeedle := fmt.Sprintf("/tmp/unpattern_%s.txt", vmtaName)
	if err := c.r.push(ctx, []byte(senderEmail+"\n"), remoteNeedle); err != nil {
		return fmt.Errorf("push pattern needle: %w", err)
	}
	cmd := fmt.Sprintf(
		`sudo python3 -c "n = open('%[2]s').read().strip(); ls = [l for l in open('%[1]s') if n not in l]; open('%[1]s','w').writelines(ls)" && rm -f %[2]s`,
		pmtaConfig, remoteNeedle)
	if _, err := c.r.run(ctx, cmd, commandTimeout); err != nil {
		return err
	}
	return nil
}

// RemoveVMTABlock deletes a virtual-mta block and its pattern-list entry.
func (c *Client) RemoveVMTABlock(ctx context.Context, vmtaName, senderEmail string) error {
	if !vmtaNameRe.MatchString(vmtaName) {
		return fmt.Errorf("vmta name %q: %w", vmtaName, domain.ErrValidation)
	}

	var errs []string
	if senderEmail != "" {
		if err := c.removePatternEntry(ctx, senderEmail, vmtaName); err != nil {
			errs = append(errs, fmt.Sprintf("pattern entry: %v", err))
		}
	}
	if err := c.RemoveVMTABlockOnly(ctx, vmtaName); err != nil {
		errs = append(errs, fmt.Sprintf("vmta block: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("node %s: remove vmta %s: %s: %w", c.cfg.NodeID, vmtaName, strings.Join(errs, "; "), domain.ErrUnavailable)
	}

	if err := c.GracefulReload(ctx); err != nil {
		log.Printf("[Node %s] reload after removing %s: %v", c.cfg.NodeID, vmtaName, err)
	}
	log.Printf("[Node %s] vmta %s removed", c.cfg.NodeID, vmtaName)
	return nil
}

// RemoveVMTABlockOnly deletes the virtual-mta block without touching the
// pattern-list. Used for rollback when pattern insertion fails.
func (c *Client) RemoveVMTABlockOnly(ctx context.Context, vmtaName string) error {
	if !vmtaNameRe.MatchString(vmtaName) {
		return fmt.Errorf("vmta name %q: %w", vmtaName, domain.ErrValidation)
	}
	cmd := fmt.Sprintf(
		"sudo sed -i '/# %[1]s — managed block/d; /<virtual-mta %[1]s>/,/<\\/virtual-mta>/d' %[2]s",
		vmtaName, pmtaConfig)
	if _, err := c.r.run(ctx, cmd, commandTimeout); err != nil {
		return fmt.Errorf("node %s: remove vmta block %s: %v: %w", c.cfg.NodeID, vmtaName, err, domain.ErrUnavailable)
	}
	return nil
}

// SetVMTARate rewrites every max-msg-rate line inside the named block.
// Rates look like "50/h" or "500/day".
func (c *Client) SetVMTARate(ctx context.Context, vmtaName, rate string) error {
	if !vmtaNameRe.MatchString(vmtaName) {
		return fmt.Errorf("vmta name %q: %w", vmtaName, domain.ErrValidation)
	}
	if !rateRe.MatchString(rate) {
		return fmt.Errorf("rate %q: %w", rate, domain.ErrValidation)
	}
	cmd := fmt.Sprintf(
		"sudo sed -i '/<virtual-mta %s>/,/<\\/virtual-mta>/s|max-msg-rate .*|max-msg-rate %s|' %s",
		vmtaName, rate, pmtaConfig)
	if _, err := c.r.run(ctx, cmd, commandTimeout); err != nil {
		return fmt.Errorf("node %s: set rate on %s: %v: %w", c.cfg.NodeID, vmtaName, err, domain.ErrUnavailable)
	}
	if err := c.GracefulReload(ctx); err != nil {
		log.Printf("[Node %s] reload after rate change on %s: %v", c.cfg.NodeID, vmtaName, err)
	}
	return nil
}

// PauseVMTA stops sending through a vmta by forcing its rate to zero.
func (c *Client) PauseVMTA(ctx context.Context, vmtaName string) error {
	return c.SetVMTARate(ctx, vmtaName, "0/h")
}

// ResumeVMTA restores sending through a paused vmta at the given rate.
func (c *Client) ResumeVMTA(ctx context.Context, vmtaName, rate string) error {
	if rate == "" {
		rate = "100/h"
	}
	return c.SetVMTARate(ctx, vmtaName, rate)
}

// ListVMTAs returns the names of all virtual-mtas configured on the node.
func (c *Client) ListVMTAs(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("grep -E '^<virtual-mta ' %s 2>/dev/null | sed 's/<virtual-mta //;s/>//' | tr -d ' '", pmtaConfig)
	out, err := c.r.run(ctx, cmd, commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("node %s: list vmtas: %v: %w", c.cfg.NodeID, err, domain.ErrUnavailable)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// GetSenderForVMTA reads back the sender email mapped to a vmta in the
// pattern-list, or ErrNotFound when no entry exists.
func (c *Client) GetSenderForVMTA(ctx context.Context, vmtaName string) (string, error) {
	if !vmtaNameRe.MatchString(vmtaName) {
		return "", fmt.Errorf("vmta name %q: %w", vmtaName, domain.ErrValidation)
	}
	cmd := fmt.Sprintf("grep '%s' %s | grep '@' | awk '{print $1}' | head -1", vmtaName, pmtaConfig)
	out, err := c.r.run(ctx, cmd, commandTimeout)
	if err != nil {
		return "", fmt.Errorf("node %s: read sender for %s: %v: %w", c.cfg.NodeID, vmtaName, err, domain.ErrUnavailable)
	}
	sender := strings.TrimSpace(out)
	if sender == "" {
		return "", fmt.Errorf("no pattern entry for %s: %w", vmtaName, domain.ErrNotFound)
	}
	return sender, nil
}

// GracefulReload reloads PowerMTA unless the outbound queue is too deep, in
// which case the reload is recorded as pending and retried by the scheduler.
func (c *Client) GracefulReload(ctx context.Context) error {
	depth := c.QueueDepth(ctx)
	if depth > reloadDeferThreshold {
		c.mu.Lock()
		c.pendingReload = true
		c.mu.Unlock()
		log.Printf("[Node %s] reload deferred, queue depth %d", c.cfg.NodeID, depth)
		return nil
	}

	if _, err := c.r.run(ctx, fmt.Sprintf("sudo %s reload", pmtaBin), 15*time.Second); err != nil {
		return fmt.Errorf("node %s: pmta reload: %v: %w", c.cfg.NodeID, err, domain.ErrUnavailable)
	}
	c.mu.Lock()
	c.pendingReload = false
	c.lastReload = time.Now()
	c.mu.Unlock()
	log.Printf("[Node %s] pmta reloaded", c.cfg.NodeID)
	return nil
}

// PendingReload reports whether a deferred reload is waiting.
func (c *Client) PendingReload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingReload
}

// FlushPendingReload retries a deferred reload if one is waiting.
func (c *Client) FlushPendingReload(ctx context.Context) error {
	if !c.PendingReload() {
		return nil
	}
	return c.GracefulReload(ctx)
}

// Close shuts down the SSH connection.
func (c *Client) Close() error {
	return c.r.close()
}

// renderVMTABlock builds the virtual-mta block text, including the
// per-destination rate sub-blocks for generic, gmail and the outlook family.
func renderVMTABlock(spec VMTASpec) string {
	baseDomain := BaseDomain(spec.Hostname)
	dkimPath := spec.DKIMKeyPath
	if dkimPath == "" {
		dkimPath = fmt.Sprintf("/etc/pmta/dkim/%s.pem", DomainSlug(baseDomain))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n# %s — managed block\n", spec.Name)
	fmt.Fprintf(&b, "<virtual-mta %s>\n", spec.Name)
	fmt.Fprintf(&b, "    smtp-source-host %s %s\n", spec.Hostname, spec.IP)
	fmt.Fprintf(&b, "    domain-key %s,%s,*,%s\n", baseDomain, spec.Hostname, dkimPath)
	b.WriteString("    <domain *>\n")
	b.WriteString("        max-cold-virtual-mta-msg 5/day\n")
	b.WriteString("        max-msg-rate 3/h\n")
	b.WriteString("        require-starttls yes\n")
	b.WriteString("        retry-after 30m\n")
	b.WriteString("        max-smtp-out 2\n")
	b.WriteString("    </domain>\n")
	b.WriteString("    <domain gmail.com>\n")
	b.WriteString("        max-msg-rate 2/h\n")
	b.WriteString("        max-smtp-out 1\n")
	b.WriteString("    </domain>\n")
	b.WriteString("    <domain outlook.com hotmail.com live.com>\n")
	b.WriteString("        max-msg-rate 1/h\n")
	b.WriteString("        max-smtp-out 1\n")
	b.WriteString("        retry-after 60m\n")
	b.WriteString("    </domain>\n")
	b.WriteString("</virtual-mta>\n")
	return b.String()
}

// BaseDomain reduces a hostname like mail.hub-travelers.com to the
// registrable domain hub-travelers.com.
func BaseDomain(hostname string) string {
	parts := strings.Split(hostname, ".")
	if len(parts) < 2 {
		return hostname
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// DomainSlug converts a domain into a slug for vmta and DKIM file names:
// hub-travelers.com becomes hub-travelers.
func DomainSlug(d string) string {
	parts := strings.Split(d, ".")
	if len(parts) > 1 {
		parts = parts[:len(parts)-1]
	}
	return strings.ReplaceAll(strings.Join(parts, "."), ".", "-")
}

// DomainToVMTA converts a domain into its vmta name:
// hub-travelers.com becomes vmta-hub-travelers.
func DomainToVMTA(d string) string {
	return "vmta-" + DomainSlug(d)
}
