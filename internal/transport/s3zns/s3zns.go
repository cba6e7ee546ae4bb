// Package s3zns is a ZNS namespace backed by an S3-compatible bucket,
// for long-haul or replay testing against a cloud object store when no
// real ZNS hardware is reachable. Each zone is one object; append is
// simulated as read-modify-write under a per-zone lock, since S3 has
// no native append primitive.
package s3zns

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/znsftl/znsftl/internal/transport"
)

const keyFmt = "zone/%08x"

// Options to use in New() due to the high parameter count.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	NumZones      uint64
	BlocksPerZone uint64
	LBASize       uint32
	MDTS          uint64
}

// Namespace maps each ZNS zone onto one S3 object.
type Namespace struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string

	lbaSize       uint32
	blocksPerZone uint64
	numZones      uint64
	mdts          uint64

	zoneLocks     []sync.Mutex
	writePointers []uint64
	states        []byte
}

type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func newHTTPClientWithSettings(s httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: s.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: s.connKeepAlive,
			DualStack: true,
			Timeout:   s.connect,
		}).DialContext,
		MaxIdleConns:          s.maxAllIdleConns,
		IdleConnTimeout:       s.idleConn,
		TLSHandshakeTimeout:   s.tlsHandshake,
		MaxIdleConnsPerHost:   s.maxHostIdleConns,
		ExpectContinueTimeout: s.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

// New opens a session against the configured S3-compatible endpoint
// and makes sure the bucket exists.
func New(o Options) (*Namespace, error) {
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	n := &Namespace{
		client:        s3.New(sess),
		uploader:      s3manager.NewUploader(sess),
		downloader:    s3manager.NewDownloader(sess),
		bucket:        o.Bucket,
		lbaSize:       o.LBASize,
		blocksPerZone: o.BlocksPerZone,
		numZones:      o.NumZones,
		mdts:          o.MDTS,
		zoneLocks:     make([]sync.Mutex, o.NumZones),
		writePointers: make([]uint64, o.NumZones),
		states:        make([]byte, o.NumZones),
	}
	for i := range n.states {
		n.states[i] = transport.ZoneStateEmpty
	}

	n.uploader.Concurrency = 1
	n.downloader.Concurrency = 1

	if err := n.makeBucketExist(); err != nil {
		return nil, err
	}

	return n, nil
}

func (n *Namespace) makeBucketExist() error {
	_, err := n.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(n.bucket)})
	if err != nil {
		_, err = n.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(n.bucket)})
		if err == nil {
			err = n.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: aws.String(n.bucket)})
		}
	}
	return err
}

func key(zone uint64) string {
	return fmt.Sprintf(keyFmt, zone)
}

func (n *Namespace) LBASize() uint32       { return n.lbaSize }
func (n *Namespace) NumZones() uint64      { return n.numZones }
func (n *Namespace) BlocksPerZone() uint64 { return n.blocksPerZone }
func (n *Namespace) MDTS() uint64          { return n.mdts }

func (n *Namespace) zoneOf(lba uint64) uint64 {
	return lba / n.blocksPerZone
}

// appendAt uploads the zone object as existing-bytes-plus-data,
// simulating an append since S3 objects are immutable once written.
func (n *Namespace) appendAt(zone, wp uint64, data []byte) error {
	existing := make([]byte, wp*uint64(n.lbaSize))
	if wp > 0 {
		if err := n.downloadRange(zone, 0, existing); err != nil {
			return fmt.Errorf("s3zns: read existing zone %d object: %w", zone, err)
		}
	}

	body := append(existing, data...)
	_, err := n.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(key(zone)),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (n *Namespace) downloadRange(zone uint64, offset uint64, buf []byte) error {
	to := offset + uint64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	w := aws.NewWriteAtBuffer(buf)

	_, err := n.downloader.Download(w, &s3.GetObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(key(zone)),
		Range:  &rng,
	})
	return err
}

func (n *Namespace) ZoneAppend(ctx context.Context, zoneStartLBA uint64, data []byte) (uint64, error) {
	if len(data)%int(n.lbaSize) != 0 {
		return 0, fmt.Errorf("s3zns: append size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(zoneStartLBA)
	n.zoneLocks[zone].Lock()
	defer n.zoneLocks[zone].Unlock()

	blocks := uint64(len(data)) / uint64(n.lbaSize)
	wp := n.writePointers[zone]
	if wp+blocks > n.blocksPerZone {
		return 0, fmt.Errorf("s3zns: zone %d append of %d blocks overruns capacity at wp %d", zone, blocks, wp)
	}

	if err := n.appendAt(zone, wp, data); err != nil {
		return 0, err
	}

	n.writePointers[zone] = wp + blocks
	n.advanceState(zone)

	return zoneStartLBA + wp, nil
}

func (n *Namespace) WriteLBAs(ctx context.Context, startLBA uint64, data []byte) error {
	if len(data)%int(n.lbaSize) != 0 {
		return fmt.Errorf("s3zns: write size %d not a multiple of LBA size %d", len(data), n.lbaSize)
	}

	zone := n.zoneOf(startLBA)
	n.zoneLocks[zone].Lock()
	defer n.zoneLocks[zone].Unlock()

	offset := startLBA - zone*n.blocksPerZone
	if offset != n.writePointers[zone] {
		return fmt.Errorf("s3zns: zone %d write at offset %d does not match write pointer %d", zone, offset, n.writePointers[zone])
	}

	blocks := uint64(len(data)) / uint64(n.lbaSize)
	if offset+blocks > n.blocksPerZone {
		return fmt.Errorf("s3zns: zone %d write of %d blocks overruns capacity at offset %d", zone, blocks, offset)
	}

	if err := n.appendAt(zone, offset, data); err != nil {
		return err
	}

	n.writePointers[zone] = offset + blocks
	n.advanceState(zone)

	return nil
}

func (n *Namespace) advanceState(zone uint64) {
	if n.writePointers[zone] == n.blocksPerZone {
		n.states[zone] = transport.ZoneStateFull
	} else {
		n.states[zone] = transport.ZoneStateImplicitOpen
	}
}

// ReadLBAs is chunked through transport.ChunkTransfer so no single
// Range GET exceeds MDTS, matching the other backends' transfer shape
// even though S3 itself imposes no such limit.
func (n *Namespace) ReadLBAs(ctx context.Context, startLBA uint64, buf []byte) error {
	if len(buf)%int(n.lbaSize) != 0 {
		return fmt.Errorf("s3zns: read size %d not a multiple of LBA size %d", len(buf), n.lbaSize)
	}

	zone := n.zoneOf(startLBA)
	zoneStart := zone * n.blocksPerZone

	return transport.ChunkTransfer(startLBA, buf, n.lbaSize, n.mdts, func(lba uint64, chunk []byte) error {
		offset := (lba - zoneStart) * uint64(n.lbaSize)
		return n.downloadRange(zone, offset, chunk)
	})
}

func (n *Namespace) ZoneReset(ctx context.Context, zoneStartLBA uint64, all bool) error {
	if all {
		for z := range n.states {
			n.zoneLocks[z].Lock()
			n.writePointers[z] = 0
			n.states[z] = transport.ZoneStateEmpty
			n.zoneLocks[z].Unlock()
		}
		return nil
	}

	zone := n.zoneOf(zoneStartLBA)
	n.zoneLocks[zone].Lock()
	defer n.zoneLocks[zone].Unlock()

	n.writePointers[zone] = 0
	n.states[zone] = transport.ZoneStateEmpty

	return nil
}

func (n *Namespace) ZoneReport(ctx context.Context) ([]transport.ZoneDescriptor, error) {
	report := make([]transport.ZoneDescriptor, n.numZones)
	for z := range report {
		report[z] = transport.ZoneDescriptor{
			ZoneStartLBA: uint64(z) * n.blocksPerZone,
			Capacity:     n.blocksPerZone,
			WritePointer: uint64(z)*n.blocksPerZone + n.writePointers[z],
			State:        n.states[z],
		}
	}
	return report, nil
}
