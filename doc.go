// Package imagecache provides a two-tier image cache in front of a remote
// image store reachable through short-lived signed URLs.
//
// A [Cache] answers lookups from a bounded in-memory tier, then from a
// persistent disk tier, and finally from the remote: a [resolver.Resolver]
// turns the logical path into a fresh signed URL, the image is downloaded,
// normalized to JPEG, and written back to both tiers. Keys are derived from
// the logical path, never from the signed URL, so entries survive URL
// rotation.
//
// # Quick Start
//
//	c, err := imagecache.New(resolver.Static{BaseURL: "https://images.example.com"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	img, ok := c.GetImage(ctx, "catalog/user-1/item-7.jpg")
//
// # Preloading
//
// Warm the cache ahead of display and observe progress:
//
//	res := c.Preload(ctx, paths, func(e imagecache.ProgressEvent) {
//	    fmt.Printf("%.0f%%\n", e.Fraction()*100)
//	})
//
// Use [Cache.StartPreload] to run the same work in the background.
//
// # Signed URLs
//
// The [github.com/meigma/imagecache/resolver/s3] package presigns GET URLs
// for objects in S3-compatible storage.
package imagecache
