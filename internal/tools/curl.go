package tools

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// curlOpts is the supported option surface of the in-process curl client.
type curlOpts struct {
	silent       bool
	showError    bool
	insecure     bool
	location     bool
	fail         bool
	failWithBody bool
	head         bool
	include      bool
	writeOut     string
	method       string
	output       string
	headers      []string
	data         []string
	jsonData     string
	url          string
}

// groupable short flags; only these may combine (e.g. -sSf).
const curlGroupFlags = "sSLfIi"

// RunCurl emulates the curl command line against an in-process HTTP client.
// It returns curl's exit code and the combined stdout/stderr text.
func RunCurl(ctx context.Context, root *UserRoot, args []string) (int, string) {
	opts, err := parseCurlArgs(args)
	if err != nil {
		return 2, "curl: option error: " + err.Error() + "\n"
	}
	if opts.url == "" {
		return 2, "curl: no URL specified\n"
	}
	return doCurl(ctx, root, opts)
}

func parseCurlArgs(args []string) (*curlOpts, error) {
	opts := &curlOpts{}

	next := func(i *int, name string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s requires an argument", name)
		}
		return args[*i], nil
	}

	applyShort := func(c byte) {
		switch c {
		case 's':
			opts.silent = true
		case 'S':
			opts.showError = true
		case 'L':
			opts.location = true
		case 'f':
			opts.fail = true
		case 'I':
			opts.head = true
		case 'i':
			opts.include = true
		}
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-s" || a == "--silent":
			opts.silent = true
		case a == "-S" || a == "--show-error":
			opts.showError = true
		case a == "-k" || a == "--insecure":
			opts.insecure = true
		case a == "-L" || a == "--location":
			opts.location = true
		case a == "-f" || a == "--fail":
			opts.fail = true
		case a == "--fail-with-body":
			opts.failWithBody = true
		case a == "-I" || a == "--head":
			opts.head = true
		case a == "-i" || a == "--include":
			opts.include = true
		case a == "-w" || a == "--write-out":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.writeOut = v
		case a == "-X" || a == "--request":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.method = strings.ToUpper(v)
		case a == "-H" || a == "--header":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.headers = append(opts.headers, v)
		case a == "-d" || a == "--data" || a == "--data-raw":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.data = append(opts.data, v)
		case a == "--json":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.jsonData = v
		case a == "-o" || a == "--output":
			v, err := next(&i, a)
			if err != nil {
				return nil, err
			}
			opts.output = v
		case strings.HasPrefix(a, "--"):
			return nil, fmt.Errorf("unknown option %s", a)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			// Grouped short flags; every member must be groupable.
			for j := 1; j < len(a); j++ {
				if !strings.ContainsRune(curlGroupFlags, rune(a[j])) {
					return nil, fmt.Errorf("unknown option -%c", a[j])
				}
			}
			for j := 1; j < len(a); j++ {
				applyShort(a[j])
			}
		default:
			if opts.url == "" {
				opts.url = a
			}
		}
	}

	return opts, nil
}

func doCurl(ctx context.Context, root *UserRoot, opts *curlOpts) (int, string) {
	method := opts.method
	if method == "" {
		switch {
		case opts.head:
			method = "HEAD"
		case len(opts.data) > 0 || opts.jsonData != "":
			method = "POST"
		default:
			method = "GET"
		}
	} else if opts.head {
		method = "HEAD"
	}

	var body io.Reader
	if opts.jsonData != "" {
		body = strings.NewReader(opts.jsonData)
	} else if len(opts.data) > 0 {
		body = strings.NewReader(strings.Join(opts.data, "&"))
	}

	req, err := http.NewRequestWithContext(ctx, method, opts.url, body)
	if err != nil {
		return 1, curlError(opts, 1, err.Error())
	}
	req.Header.Set("User-Agent", "curl/8.5.0")
	if opts.jsonData != "" {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	} else if len(opts.data) > 0 {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, h := range opts.headers {
		if k, v, ok := strings.Cut(h, ":"); ok {
			req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}

	client := &http.Client{Timeout: 60 * time.Second, Transport: curlTransport(opts.insecure)}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 1, curlError(opts, 1, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 1, curlError(opts, 1, err.Error())
	}
	elapsed := time.Since(start)

	var out strings.Builder
	code := 0

	httpFailed := resp.StatusCode >= 400 && (opts.fail || opts.failWithBody)

	if opts.include || opts.head {
		out.WriteString(fmt.Sprintf("%s %s\r\n", resp.Proto, resp.Status))
		names := make([]string, 0, len(resp.Header))
		for name := range resp.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, v := range resp.Header[name] {
				out.WriteString(fmt.Sprintf("%s: %s\r\n", name, v))
			}
		}
		out.WriteString("\r\n")
	}

	writeBody := !opts.head && (!httpFailed || opts.failWithBody)
	if writeBody {
		if opts.output != "" {
			if opts.output != "/dev/null" {
				dest, err := root.Resolve(opts.output)
				if err != nil {
					return 23, "curl: (23) Failed writing body: output path escapes user root\n"
				}
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return 23, "curl: (23) Failed writing body: " + err.Error() + "\n"
				}
				if err := os.WriteFile(dest, respBody, 0644); err != nil {
					return 23, "curl: (23) Failed writing body: " + err.Error() + "\n"
				}
			}
		} else {
			out.Write(respBody)
		}
	}

	if httpFailed {
		code = 22
		if !opts.silent || opts.showError {
			out.WriteString(fmt.Sprintf("curl: (22) The requested URL returned error: %d\n", resp.StatusCode))
		}
	}

	if opts.writeOut != "" {
		out.WriteString(expandWriteOut(opts.writeOut, resp, len(respBody), elapsed))
	}

	return code, out.String()
}

func curlError(opts *curlOpts, code int, msg string) string {
	if opts.silent && !opts.showError {
		return ""
	}
	return fmt.Sprintf("curl: (%d) %s\n", code, msg)
}

// expandWriteOut substitutes the supported -w template variables.
func expandWriteOut(tmpl string, resp *http.Response, size int, elapsed time.Duration) string {
	r := strings.NewReplacer(
		`%{http_code}`, fmt.Sprintf("%d", resp.StatusCode),
		`%{response_code}`, fmt.Sprintf("%d", resp.StatusCode),
		`%{url_effective}`, resp.Request.URL.String(),
		`%{size_download}`, fmt.Sprintf("%d", size),
		`%{time_total}`, fmt.Sprintf("%.6f", elapsed.Seconds()),
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return r.Replace(tmpl)
}

// curlTransport builds the TLS stance: --insecure disables verification,
// otherwise SSL_CERT_FILE is preferred over system trust.
func curlTransport(insecure bool) http.RoundTripper {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return tr
	}
	if certFile := os.Getenv("SSL_CERT_FILE"); certFile != "" {
		if pem, err := os.ReadFile(certFile); err == nil {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				tr.TLSClientConfig = &tls.Config{RootCAs: pool}
			}
		}
	}
	return tr
}
