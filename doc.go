// Package imgd exposes the Go APIs behind a single-binary image drop
// service. Uploads are sniffed by their leading bytes, optimized per format,
// committed atomically under an opaque identifier and served back with
// immutable caching headers.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen` (default `:3131`).
//
//	cfg := imgd.Config{
//	    Store:     "disk:///var/lib/imgd",
//	    PublicURL: "https://i.example.com",
//	}
//	srv, err := imgd.NewServer(cfg, imgd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("imgd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same steps and returns once the listener is bound,
// which is convenient in tests:
//
//	srv, stop, err := imgd.StartServer(ctx, imgd.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	defer stop(context.Background())
//	base := "http://" + srv.ListenerAddr().String()
//
// # Stores
//
// `Config.Store` is a URL whose scheme picks the backend:
//
//   - `disk:///path` keeps artifacts on the local filesystem and publishes
//     them with a no-replace rename. `DiskMinFreeBytes` keeps a reserve of
//     free space; below it uploads fail with 507.
//   - `mem://` (optionally `?max-bytes=256MB`) keeps artifacts in memory.
//   - `s3://host[:port]/bucket[/prefix]` talks to S3-compatible services
//     through minio-go. Query parameters `insecure`, `path-style`, `region`
//     and `kms-key-id` tune the client.
//   - `aws://bucket[/prefix]` targets AWS S3 through the AWS SDK and its
//     default credential chain. A region is required.
//   - `azure://account/container[/prefix]` targets Azure Blob Storage using
//     an account key or SAS token.
//
// Every backend refuses to overwrite an existing identifier.
//
// # HTTP surface
//
//   - `POST /upload` and `POST /` accept a multipart form with the file in
//     the `imagedata` field (configurable) and answer with the plain-text URL
//     of the artifact plus an `X-Gyazo-Id` header.
//   - `GET|HEAD /{id}` and `/{id}.{png,jpg,jpeg,gif,svg}` stream the artifact
//     with `Cache-Control: public, max-age=31536000, immutable`, an ETag and
//     support for conditional requests.
//   - `GET /` serves a short informational page and `GET /healthz` a
//     liveness probe.
//
// Errors are JSON documents of the form `{"error": "code", "detail": "..."}`.
//
// # Telemetry
//
// Setting `Config.MetricsListen` exposes a Prometheus endpoint at /metrics,
// `Config.OTLPEndpoint` exports traces over OTLP (grpc://, grpcs://, http://,
// https://) and `Config.PprofListen` serves net/http/pprof.
package imgd
