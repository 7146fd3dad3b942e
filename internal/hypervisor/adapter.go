// Package hypervisor is a thin outbound HTTP client against the
// Proxmox-like hypervisor REST API (spec.md §4.6): listing guests,
// minting SPICE tickets, and rendering the virt-viewer descriptor the
// Gateway hands back to a client.
package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zerospice/broker/internal/metrics"
)

// recognizedDescriptorKeys is the fixed, ordered field list of spec.md
// §4.6; any key returned by the hypervisor that isn't in this list is
// silently omitted.
var recognizedDescriptorKeys = []string{
	"release-cursor",
	"proxy",
	"secure-attention",
	"host-subject",
	"ca",
	"delete-this-file",
	"type",
	"title",
	"tls-port",
	"toggle-fullscreen",
	"host",
	"password",
}

// Guest is one flattened entry from list_guests (spec.md §4.6).
type Guest struct {
	Type   string `json:"type"`
	Node   string `json:"node"`
	Name   string `json:"name"`
	VMID   string `json:"vmid"`
	Status string `json:"status"`
}

// Adapter implements the Hypervisor Adapter component. TLS verification
// is explicit configuration, never a silent default (spec.md §4.6).
type Adapter struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// New constructs an Adapter. baseURL is the hypervisor's API root, e.g.
// "https://10.0.0.5:8006/api2/json". insecureTLS must be explicitly
// opted into by configuration to accommodate self-signed hypervisor
// certificates.
func New(baseURL, apiToken string, insecureTLS bool) *Adapter {
	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in, spec.md §4.6
	}
	return &Adapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

type nodesResponse struct {
	Data []struct {
		Node string `json:"node"`
	} `json:"data"`
}

type qemuResponse struct {
	Data []struct {
		VMID   json.Number `json:"vmid"`
		Name   string      `json:"name"`
		Status string      `json:"status"`
	} `json:"data"`
}

// ListGuests enumerates nodes, then QEMU guests per node, flattening
// the result (spec.md §4.6 list_guests). Bounded by a 5s timeout per
// spec.md §5.
func (a *Adapter) ListGuests(ctx context.Context) ([]Guest, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var nodes nodesResponse
	if err := a.getJSON(ctx, "/nodes", &nodes, "list_nodes"); err != nil {
		return nil, err
	}

	var guests []Guest
	for _, n := range nodes.Data {
		var qemu qemuResponse
		path := fmt.Sprintf("/nodes/%s/qemu", n.Node)
		if err := a.getJSON(ctx, path, &qemu, "list_qemu"); err != nil {
			return nil, fmt.Errorf("list qemu guests on node %s: %w", n.Node, err)
		}
		for _, vm := range qemu.Data {
			name := vm.Name
			if name == "" {
				name = "vm-" + vm.VMID.String()
			}
			guests = append(guests, Guest{
				Type:   "qemu",
				Node:   n.Node,
				Name:   name,
				VMID:   vm.VMID.String(),
				Status: vm.Status,
			})
		}
	}
	return guests, nil
}

// OpenSpiceTicket POSTs to the upstream spiceproxy endpoint and returns
// the parsed key/value map (spec.md §4.6 open_spice_ticket). Bounded by
// a 10s timeout per spec.md §5.
func (a *Adapter) OpenSpiceTicket(ctx context.Context, node, vmid string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	path := fmt.Sprintf("/nodes/%s/qemu/%s/spiceproxy", node, vmid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build spiceproxy request: %w", err)
	}
	req.Header.Set("Authorization", "PVEAPIToken="+a.apiToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		metrics.HypervisorRequests.WithLabelValues("spiceproxy", "error").Inc()
		return nil, fmt.Errorf("spiceproxy request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.HypervisorRequests.WithLabelValues("spiceproxy", "error").Inc()
		return nil, fmt.Errorf("spiceproxy request: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.HypervisorRequests.WithLabelValues("spiceproxy", "error").Inc()
		return nil, fmt.Errorf("decode spiceproxy response: %w", err)
	}

	ticket := make(map[string]string, len(body.Data))
	for k, v := range body.Data {
		ticket[k] = fmt.Sprint(v)
	}
	metrics.HypervisorRequests.WithLabelValues("spiceproxy", "success").Inc()
	return ticket, nil
}

// RenderDescriptor produces the plain-text [virt-viewer] block of
// spec.md §4.6: the recognized keys, in order, each as key=value on its
// own line, with proxy overridden to point at the broker's own
// ephemeral port instead of whatever the hypervisor returned.
func RenderDescriptor(ticket map[string]string, proxyHost string, ephemeralPort int) string {
	var b strings.Builder
	b.WriteString("[virt-viewer]\n")
	for _, key := range recognizedDescriptorKeys {
		val, ok := ticket[key]
		if !ok {
			continue
		}
		if key == "proxy" {
			val = "http://" + proxyHost + ":" + strconv.Itoa(ephemeralPort)
		}
		fmt.Fprintf(&b, "%s=%s\n", key, val)
	}
	return b.String()
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "PVEAPIToken="+a.apiToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		metrics.HypervisorRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.HypervisorRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.HypervisorRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("decode response: %w", err)
	}
	metrics.HypervisorRequests.WithLabelValues(endpoint, "success").Inc()
	return nil
}
