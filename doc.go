// Package precache provides an offline asset cache for HTTP clients, built
// on the intercept-and-cache pattern.
//
// An [Interceptor] owns one versioned [Cache]. On install it fetches a
// precache manifest and stores every entry, all or nothing. On activate it
// deletes caches left by other versions. Every request it handles is served
// cache-first; misses go to the network, and successful same-origin GET
// responses are stored in the background for next time.
//
// A [Registration] drives interceptors through their lifecycle and routes
// requests from its [Client]s, which are plain http.RoundTrippers:
//
//	storage, _ := precache.OpenStorage(precache.WithCacheDir("~/.cache/app"))
//
//	w, _ := precache.New(precache.Config{
//	    Version:  "app-cache-v2",
//	    Origin:   "https://example.com",
//	    Manifest: []string{"/", "/static/icons/icon-192x192.png"},
//	}, storage)
//
//	reg := precache.NewRegistration()
//	if err := reg.Register(ctx, w); err != nil {
//	    // install failed; any previous version stays in control
//	}
//
//	client := reg.Open()
//	defer client.Close()
//	httpClient := &http.Client{Transport: client}
//
// Caches can be shipped between machines through an OCI registry:
//
//	storage.Push(ctx, "app-cache-v2", "ghcr.io/org/app-cache:v2")
//	storage.Pull(ctx, "ghcr.io/org/app-cache:v2", "")
package precache
