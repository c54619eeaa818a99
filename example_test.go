package uploadguard_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/uploadguard"
	"github.com/nhalm/uploadguard/store"
)

func Example() {
	st := store.NewMemory()
	limiter := uploadguard.NewLimiter(st)
	accountant, err := uploadguard.NewAccountant(st, uploadguard.QuotaLimits{DailyMB: 100, MonthlyMB: 1000})
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(uploadguard.Handler(uploadguard.WithCanonlog(), uploadguard.WithRequestID()))
	r.Use(uploadguard.IdentityFromHeader("X-User-ID"))

	uploads := uploadguard.NewRateLimiter(limiter, uploadguard.MustRule("uploads", 10, time.Minute))
	r.With(uploads.Handler, uploadguard.UploadQuota(accountant)).Post("/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		identity, _ := uploadguard.IdentityFromContext(r.Context())
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			uploadguard.SetError(w, r, uploadguard.ErrBadRequest)
			return
		}
		accountant.RecordUsage(r.Context(), identity, n)
		uploadguard.SetResponse(w, r, http.StatusCreated, map[string]int64{"bytes": n})
	})

	_ = http.ListenAndServe(":8080", r)
}

func ExampleLimiter_CheckLimit() {
	limiter := uploadguard.NewLimiter(store.NewMemory())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, err := limiter.CheckLimit(ctx, "u1", "uploads", 3, 60)
		if err != nil {
			panic(err)
		}
		fmt.Println(d.Allowed, d.Remaining)
	}
	// Output:
	// true 2
	// true 1
	// true 0
	// false 0
}

func ExampleAccountant_CheckQuota() {
	accountant, err := uploadguard.NewAccountant(store.NewMemory(), uploadguard.QuotaLimits{DailyMB: 100, MonthlyMB: 1000})
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	fmt.Println(accountant.CheckQuota(ctx, "u1", 50_000_000).Allowed)
	accountant.RecordUsage(ctx, "u1", 50_000_000)

	d := accountant.CheckQuota(ctx, "u1", 60_000_000)
	fmt.Println(d.Allowed)
	fmt.Println(d.Reason)
	// Output:
	// true
	// false
	// daily upload limit of 100 MB exceeded (48 MB used, 58 MB requested)
}
