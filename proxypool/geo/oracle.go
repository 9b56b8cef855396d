package geo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrClassificationUnavailable 表示定位服务不可用或未返回有效结果。
// 分类器将其归一化为 "unknown"，不会向调用方抛出。
var ErrClassificationUnavailable = errors.New("geolocation unavailable")

// Location is the answer of an oracle.
type Location struct {
	Label   string
	Country string
}

// Oracle 是外部定位服务的边界。
type Oracle interface {
	Lookup(ctx context.Context, address string) (Location, error)
	Name() string
}

// ipAPIResponse defines the structure for the ip-api.com JSON response.
type ipAPIResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// IPAPIOracle queries ip-api.com.
type IPAPIOracle struct {
	client *resty.Client
}

// NewIPAPIOracle creates an oracle for ip-api.com. baseURL may be empty.
func NewIPAPIOracle(baseURL string, timeout time.Duration) *IPAPIOracle {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	return &IPAPIOracle{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
	}
}

func (o *IPAPIOracle) Name() string { return "ip-api" }

func (o *IPAPIOracle) Lookup(ctx context.Context, address string) (Location, error) {
	var apiResp ipAPIResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParam("fields", "status,message,country,regionName,city").
		SetResult(&apiResp).
		Get("/json/" + url.PathEscape(address))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrClassificationUnavailable, o.Name(), err)
	}
	if !resp.IsSuccess() {
		return Location{}, fmt.Errorf("%w: %s: status %d", ErrClassificationUnavailable, o.Name(), resp.StatusCode())
	}
	if apiResp.Status != "success" {
		return Location{}, fmt.Errorf("%w: %s: %s", ErrClassificationUnavailable, o.Name(), apiResp.Message)
	}
	return makeLocation(apiResp.City, apiResp.RegionName, apiResp.Country)
}

type ipInfoResponse struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Bogon   bool   `json:"bogon"`
}

// IPInfoOracle queries ipinfo.io.
type IPInfoOracle struct {
	client *resty.Client
}

// NewIPInfoOracle creates an oracle for ipinfo.io. The token is optional.
func NewIPInfoOracle(baseURL, token string, timeout time.Duration) *IPInfoOracle {
	if baseURL == "" {
		baseURL = "https://ipinfo.io"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	if token != "" {
		client.SetQueryParam("token", token)
	}
	return &IPInfoOracle{client: client}
}

func (o *IPInfoOracle) Name() string { return "ipinfo" }

func (o *IPInfoOracle) Lookup(ctx context.Context, address string) (Location, error) {
	var info ipInfoResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/" + url.PathEscape(address) + "/json")
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrClassificationUnavailable, o.Name(), err)
	}
	if !resp.IsSuccess() {
		return Location{}, fmt.Errorf("%w: %s: status %d", ErrClassificationUnavailable, o.Name(), resp.StatusCode())
	}
	if info.Bogon {
		return Location{}, fmt.Errorf("%w: %s: bogon address", ErrClassificationUnavailable, o.Name())
	}
	return makeLocation(info.City, info.Region, info.Country)
}

// makeLocation formats "City, Country", falling back to region when the
// city is missing.
func makeLocation(city, region, country string) (Location, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		city = strings.TrimSpace(region)
	}
	country = strings.TrimSpace(country)

	var parts []string
	for _, p := range []string{city, country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Location{}, fmt.Errorf("%w: empty answer", ErrClassificationUnavailable)
	}
	return Location{Label: strings.Join(parts, ", "), Country: country}, nil
}

// NewOracle builds an oracle by its configuration name. An empty name yields
// nil.
func NewOracle(name, ipinfoToken string, timeout time.Duration) (Oracle, error) {
	switch name {
	case "":
		return nil, nil
	case "ip-api":
		return NewIPAPIOracle("", timeout), nil
	case "ipinfo":
		return NewIPInfoOracle("", ipinfoToken, timeout), nil
	default:
		return nil, fmt.Errorf("unknown geo oracle %q", name)
	}
}
